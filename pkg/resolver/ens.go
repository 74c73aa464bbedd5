package resolver

import (
	"context"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// registryABI and resolverABI are the minimal ENS registry/public-resolver
// function signatures the broker calls, hand-declared as raw ABI JSON
// rather than generated bindings; the registry and resolver are external
// contracts this module only reads.
const registryABI = `[{"name":"resolver","type":"function","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}]`
const resolverABI = `[
	{"name":"text","type":"function","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]},
	{"name":"addr","type":"function","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}
]`

// ENSNameService resolves agentpay.* text records and the address record
// through an ENS registry and its per-name public resolver, called directly
// via ethclient.CallContract rather than generated contract bindings.
type ENSNameService struct {
	eth      *ethclient.Client
	registry common.Address
	regABI   abi.ABI
	resABI   abi.ABI
}

// NewENSNameService builds a NameService backed by eth, with registry as the
// ENS registry contract address.
func NewENSNameService(eth *ethclient.Client, registry common.Address) (*ENSNameService, error) {
	regABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("resolver: parse registry ABI: %w", err)
	}
	resABI, err := abi.JSON(strings.NewReader(resolverABI))
	if err != nil {
		return nil, fmt.Errorf("resolver: parse resolver ABI: %w", err)
	}
	return &ENSNameService{eth: eth, registry: registry, regABI: regABI, resABI: resABI}, nil
}

// TextRecord implements NameService.
func (e *ENSNameService) TextRecord(ctx context.Context, name, key string) (string, error) {
	resolverAddr, err := e.resolverFor(ctx, name)
	if err != nil {
		return "", err
	}
	data, err := e.resABI.Pack("text", namehash(name), key)
	if err != nil {
		return "", err
	}
	out, err := e.call(ctx, resolverAddr, data)
	if err != nil {
		return "", err
	}
	results, err := e.resABI.Unpack("text", out)
	if err != nil {
		return "", err
	}
	return results[0].(string), nil
}

// AddressRecord implements NameService.
func (e *ENSNameService) AddressRecord(ctx context.Context, name string) (common.Address, error) {
	resolverAddr, err := e.resolverFor(ctx, name)
	if err != nil {
		return common.Address{}, err
	}
	data, err := e.resABI.Pack("addr", namehash(name))
	if err != nil {
		return common.Address{}, err
	}
	out, err := e.call(ctx, resolverAddr, data)
	if err != nil {
		return common.Address{}, err
	}
	results, err := e.resABI.Unpack("addr", out)
	if err != nil {
		return common.Address{}, err
	}
	return results[0].(common.Address), nil
}

func (e *ENSNameService) resolverFor(ctx context.Context, name string) (common.Address, error) {
	data, err := e.regABI.Pack("resolver", namehash(name))
	if err != nil {
		return common.Address{}, err
	}
	out, err := e.call(ctx, e.registry, data)
	if err != nil {
		return common.Address{}, err
	}
	results, err := e.regABI.Unpack("resolver", out)
	if err != nil {
		return common.Address{}, err
	}
	addr := results[0].(common.Address)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("resolver: no ENS resolver set for %q", name)
	}
	return addr, nil
}

func (e *ENSNameService) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return e.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// namehash implements EIP-137's recursive hashing algorithm for ENS names.
func namehash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = crypto.Keccak256Hash(node[:], labelHash)
	}
	return node
}
