// Package settlement is the smart-contract client for the channel path's
// on-chain leg: submitting the unsigned states the clearing server countersigns
// and awaiting their receipts against a custody contract. Built directly on
// go-ethereum's ethclient and bind.TransactOpts rather than typed contract
// bindings: the custody and adjudicator contracts are external systems with
// addresses supplied in configuration, not contracts this module owns.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentpay/broker/pkg/agentpayerr"
)

// Client wraps an ethclient.Client pointed at the settlement chain, scoped to
// a fixed custody contract address.
type Client struct {
	eth     *ethclient.Client
	custody common.Address
	chainID *big.Int
}

// Dial connects to rpcURL and resolves the chain id up front, since the
// chain id is required input to EIP-155 transaction signing.
func Dial(ctx context.Context, rpcURL string, custody common.Address) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	return &Client{eth: eth, custody: custody, chainID: chainID}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

// ChainID returns the settlement chain's id, used to tag clearing-network
// create_channel requests.
func (c *Client) ChainID() int64 { return c.chainID.Int64() }

// BuildTransactOpts constructs signing options for key, bound to the
// resolved chain id, with a nonce and gas price fetched fresh for each
// submission.
func (c *Client) BuildTransactOpts(ctx context.Context, from common.Address, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasPrice = gasPrice
	opts.Context = ctx
	return opts, nil
}

// SubmitCall sends a raw call (calldata already encoded by the caller)
// to the custody contract and returns the transaction hash.
func (c *Client) SubmitCall(ctx context.Context, opts *bind.TransactOpts, calldata []byte, value *big.Int) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	msg := ethereum.CallMsg{From: opts.From, To: &c.custody, Value: value, Data: calldata}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    opts.Nonce.Uint64(),
		To:       &c.custody,
		Value:    value,
		Gas:      gas,
		GasPrice: opts.GasPrice,
		Data:     calldata,
	})

	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		return common.Hash{}, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	return signed.Hash(), nil
}

// AwaitReceipt polls for tx's receipt until it is mined or the deadline
// passes.
func (c *Client) AwaitReceipt(ctx context.Context, tx common.Hash, timeout time.Duration) (*types.Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, tx)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, agentpayerr.New(agentpayerr.KindOnChainFailed, fmt.Errorf("tx %s reverted", tx.Hex()))
			}
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, fmt.Errorf("timed out waiting for receipt %s", tx.Hex()))
		}
		select {
		case <-ctx.Done():
			return nil, agentpayerr.New(agentpayerr.KindCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

// VerifyTransferReceipt confirms txHash was mined successfully. It does not
// by itself confirm what was transferred: callers that need to verify the
// actual amount/asset/recipient moved (the worker validating a
// channel_close payment proof without calling back to the client) must
// also decode the transaction via TransactionCalldata and check its content.
// A successful receipt alone only proves the call didn't revert.
func (c *Client) VerifyTransferReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, agentpayerr.New(agentpayerr.KindPaymentVerificationFail, fmt.Errorf("transaction %s did not succeed", txHash.Hex()))
	}
	return receipt, nil
}

// TransactionCalldata fetches the mined transaction for txHash and returns
// its input data (the settlement layer's calldata stand-in, see channel.go's
// encodeState), so a caller can independently decode what was actually
// submitted on-chain rather than trusting any caller-supplied claim about it.
func (c *Client) TransactionCalldata(ctx context.Context, txHash common.Hash) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}
	return tx.Data(), nil
}
