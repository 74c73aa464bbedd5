package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Known EIP-137 namehash test vectors.
func TestNamehash(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", "0x" + strings.Repeat("00", 32)},
		{"eth", "0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"},
		{"foo.eth", "0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"},
	}
	for _, tt := range tests {
		got := namehash(tt.name)
		if hexutil.Encode(got[:]) != tt.want {
			t.Errorf("namehash(%q) = %s, want %s", tt.name, hexutil.Encode(got[:]), tt.want)
		}
	}
}

func TestNamehashDiffersByLabel(t *testing.T) {
	a := namehash("alice.eth")
	b := namehash("bob.eth")
	if a == b {
		t.Fatalf("namehash collision between distinct names")
	}
}

// rpcRequest/rpcResponse model the minimal JSON-RPC envelope ethclient sends
// for eth_call, enough to fake a node's /eth_call surface in-process.
type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type callArgs struct {
	To   string `json:"to"`
	Data string `json:"input"`
}

// fakeEthNode serves eth_call by dispatching on the called function's 4-byte
// selector, returning ABI-encoded results from the supplied responders.
func fakeEthNode(t *testing.T, responders map[[4]byte]func(data []byte) ([]byte, error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		if req.Method != "eth_call" {
			writeRPCResult(t, w, req.ID, "0x")
			return
		}
		var args callArgs
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &args)
		}
		data, err := hexutil.Decode(args.Data)
		if err != nil || len(data) < 4 {
			t.Fatalf("eth_call: bad call data %q", args.Data)
		}
		var selector [4]byte
		copy(selector[:], data[:4])
		fn, ok := responders[selector]
		if !ok {
			t.Fatalf("eth_call: no responder registered for selector %x", selector)
		}
		out, err := fn(data)
		if err != nil {
			writeRPCError(t, w, req.ID, err)
			return
		}
		writeRPCResult(t, w, req.ID, hexutil.Encode(out))
	}))
}

func writeRPCResult(t *testing.T, w http.ResponseWriter, id json.RawMessage, result string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(id), "result": result}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode rpc response: %v", err)
	}
}

func writeRPCError(t *testing.T, w http.ResponseWriter, id json.RawMessage, err error) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error":   map[string]interface{}{"code": -32000, "message": err.Error()},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func testABIs(t *testing.T) (abi.ABI, abi.ABI) {
	t.Helper()
	regABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		t.Fatalf("parse registry ABI: %v", err)
	}
	resABI, err := abi.JSON(strings.NewReader(resolverABI))
	if err != nil {
		t.Fatalf("parse resolver ABI: %v", err)
	}
	return regABI, resABI
}

func newTestENSNameService(t *testing.T, addr string, responders map[[4]byte]func([]byte) ([]byte, error)) (*ENSNameService, func()) {
	t.Helper()
	srv := fakeEthNode(t, responders)
	eth, err := ethclient.DialContext(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("dial fake node: %v", err)
	}
	ns, err := NewENSNameService(eth, common.HexToAddress(addr))
	if err != nil {
		t.Fatalf("NewENSNameService: %v", err)
	}
	return ns, srv.Close
}

func TestTextRecordHappyPath(t *testing.T) {
	regABI, resABI := testABIs(t)
	resolverAddr := common.HexToAddress("0x00000000000000000000000000000000000ABC")

	var regSel, textSel [4]byte
	copy(regSel[:], regABI.Methods["resolver"].ID)
	copy(textSel[:], resABI.Methods["text"].ID)

	ns, closeFn := newTestENSNameService(t, "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e", map[[4]byte]func([]byte) ([]byte, error){
		regSel: func([]byte) ([]byte, error) {
			return regABI.Methods["resolver"].Outputs.Pack(resolverAddr)
		},
		textSel: func([]byte) ([]byte, error) {
			return resABI.Methods["text"].Outputs.Pack("http://worker.example:9000")
		},
	})
	defer closeFn()

	got, err := ns.TextRecord(context.Background(), "worker.eth", "agentpay.endpoint")
	if err != nil {
		t.Fatalf("TextRecord: %v", err)
	}
	if got != "http://worker.example:9000" {
		t.Errorf("TextRecord = %q, want endpoint URL", got)
	}
}

func TestAddressRecordHappyPath(t *testing.T) {
	regABI, resABI := testABIs(t)
	resolverAddr := common.HexToAddress("0x00000000000000000000000000000000000ABC")
	wantAddr := common.HexToAddress("0x000000000000000000000000000000000001ED")

	var regSel, addrSel [4]byte
	copy(regSel[:], regABI.Methods["resolver"].ID)
	copy(addrSel[:], resABI.Methods["addr"].ID)

	ns, closeFn := newTestENSNameService(t, "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e", map[[4]byte]func([]byte) ([]byte, error){
		regSel: func([]byte) ([]byte, error) {
			return regABI.Methods["resolver"].Outputs.Pack(resolverAddr)
		},
		addrSel: func([]byte) ([]byte, error) {
			return resABI.Methods["addr"].Outputs.Pack(wantAddr)
		},
	})
	defer closeFn()

	got, err := ns.AddressRecord(context.Background(), "worker.eth")
	if err != nil {
		t.Fatalf("AddressRecord: %v", err)
	}
	if got != wantAddr {
		t.Errorf("AddressRecord = %s, want %s", got.Hex(), wantAddr.Hex())
	}
}

func TestResolverForNoResolverSetReturnsError(t *testing.T) {
	regABI, _ := testABIs(t)
	var regSel [4]byte
	copy(regSel[:], regABI.Methods["resolver"].ID)

	ns, closeFn := newTestENSNameService(t, "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e", map[[4]byte]func([]byte) ([]byte, error){
		regSel: func([]byte) ([]byte, error) {
			return regABI.Methods["resolver"].Outputs.Pack(common.Address{})
		},
	})
	defer closeFn()

	if _, err := ns.TextRecord(context.Background(), "ghost.eth", "agentpay.endpoint"); err == nil {
		t.Fatal("expected error for unset resolver, got nil")
	}
}
