package identity

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testHexKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func TestLoadDerivesAddress(t *testing.T) {
	id, err := Load(testHexKey, "alice.eth")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id.Name != "alice.eth" {
		t.Fatalf("expected name alice.eth, got %s", id.Name)
	}
	if (id.Address == common.Address{}) {
		t.Fatal("expected a non-zero derived address")
	}
}

func TestLoadRejectsMalformedKey(t *testing.T) {
	if _, err := Load("not-a-hex-key", "alice.eth"); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}

func TestSignRecoversToIdentityAddress(t *testing.T) {
	id, err := Load(testHexKey, "alice.eth")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	msg := []byte("hello clearing network")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected a 65-byte signature, got %d", len(sig))
	}

	hash := crypto.Keccak256(hashPrefix32Bytes, crypto.Keccak256(msg))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != id.Address {
		t.Fatal("recovered address does not match identity address")
	}
}

func TestEphemeralKeyIsFreshEachTime(t *testing.T) {
	id, err := Load(testHexKey, "alice.eth")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eph1, err := id.NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	eph2, err := id.NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	if eph1.Address == eph2.Address {
		t.Fatal("expected two distinct ephemeral keys")
	}
	if eph1.Address == id.Address {
		t.Fatal("ephemeral key address must not match the identity's own address")
	}
}

func TestEphemeralKeySignRecovers(t *testing.T) {
	id, err := Load(testHexKey, "alice.eth")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eph, err := id.NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	msg := []byte(`{"req":[1,"get_config",{},1690000000,""]}`)
	sig, err := eph.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	hash := crypto.Keccak256(hashPrefix32Bytes, crypto.Keccak256(msg))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != eph.Address {
		t.Fatal("recovered address does not match ephemeral key address")
	}
}

func TestEIP712SignIsDeterministicPerChallenge(t *testing.T) {
	id, err := Load(testHexKey, "alice.eth")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var ephAddr common.Address
	copy(ephAddr[:], bytes.Repeat([]byte{0xAB}, 20))

	sig1, err := id.EIP712Sign("agentpay", "challenge-1", "broker", ephAddr)
	if err != nil {
		t.Fatalf("EIP712Sign: %v", err)
	}
	sig2, err := id.EIP712Sign("agentpay", "challenge-1", "broker", ephAddr)
	if err != nil {
		t.Fatalf("EIP712Sign: %v", err)
	}
	if !bytes.Equal(sig1, sig2) {
		t.Fatal("expected identical signatures for identical typed-data input")
	}

	sig3, err := id.EIP712Sign("agentpay", "challenge-2", "broker", ephAddr)
	if err != nil {
		t.Fatalf("EIP712Sign: %v", err)
	}
	if bytes.Equal(sig1, sig3) {
		t.Fatal("expected different signatures for different challenges")
	}
}
