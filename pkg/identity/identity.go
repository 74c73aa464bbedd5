// Package identity holds the long-lived signing key, derives the wallet
// address, and mints ephemeral session keys for clearing-network
// authentication. Off-chain signing uses the personal-sign (EIP-191)
// construction: keccak256 over a length-prefixed message, signed with the
// identity's ECDSA key.
package identity

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/agentpayerr"
)

// hashPrefix32Bytes is the EIP-191 personal-sign prefix for a 32-byte payload.
var hashPrefix32Bytes = []byte("\x19Ethereum Signed Message:\n32")

// Identity is a single process's wallet: a name registered with an external
// name service, the derived address, and the private signing key. The
// signing key is unexported; Sign and EIP712Sign use it in place, and
// SigningKeyForSettlement returns it for settlement-chain transaction signing.
type Identity struct {
	Name    string
	Address common.Address

	key *ecdsa.PrivateKey
}

// Load parses a hex-encoded private key and binds it to name. Fails with
// IdentityUnavailable if the key cannot be parsed.
func Load(hexKey, name string) (*Identity, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindIdentityUnavailable, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, agentpayerr.New(agentpayerr.KindIdentityUnavailable, nil)
	}
	return &Identity{
		Name:    name,
		Address: crypto.PubkeyToAddress(*pub),
		key:     key,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Sign produces a personal-sign (EIP-191) style signature over message:
// keccak256("\x19Ethereum Signed Message:\n32" || keccak256(message)),
// signed with the identity key. Returns the 65-byte R||S||V signature.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	hash := crypto.Keccak256(hashPrefix32Bytes, crypto.Keccak256(message))
	sig, err := crypto.Sign(hash, id.key)
	if err != nil {
		zap.L().Error("identity: signing failed", zap.Error(err))
		return nil, err
	}
	return sig, nil
}

// SigningKeyForSettlement returns the raw ECDSA key for use with
// go-ethereum's bind.TransactOpts when submitting settlement-chain
// transactions (on-chain signing uses EIP-155 transaction signing, not the
// personal-sign construction Sign uses for off-chain messages).
func (id *Identity) SigningKeyForSettlement() (*ecdsa.PrivateKey, error) {
	if id.key == nil {
		return nil, agentpayerr.New(agentpayerr.KindIdentityUnavailable, nil)
	}
	return id.key, nil
}

// signRaw signs an already-hashed 32-byte digest directly, without the
// personal-sign prefix applied by Sign. EIP-712 typed-data hashes are
// already domain-separated and must not be prefixed again.
func signRaw(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, key)
}

// EphemeralKey is a freshly generated keypair scoped to a single clearing-
// network authentication: it is authorised via an EIP-712 signature from
// the identity key, and discarded when the connection closes.
type EphemeralKey struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewEphemeralKey generates a new session key.
func (id *Identity) NewEphemeralKey() (*EphemeralKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, agentpayerr.New(agentpayerr.KindIdentityUnavailable, nil)
	}
	return &EphemeralKey{Address: crypto.PubkeyToAddress(*pub), key: key}, nil
}

// Sign signs an RPC frame payload with the ephemeral key (used for every
// outbound clearing-network request after authentication).
func (e *EphemeralKey) Sign(message []byte) ([]byte, error) {
	hash := crypto.Keccak256(hashPrefix32Bytes, crypto.Keccak256(message))
	return crypto.Sign(hash, e.key)
}
