// Package channel implements the channel payment path: on-chain create,
// off-chain unified-balance transfer, and on-chain close of a payment
// channel. The clearing network mediates the off-chain leg through its
// create_channel/transfer/close_channel RPCs; only create and close touch
// the chain directly.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/runtime"
	"github.com/agentpay/broker/pkg/settlement"
)

// Session tracks a single identity's channel across hires: created once,
// reused, closed explicitly. At most one channel is open per identity at a
// time, and the mutex serialises concurrent operations on it: one
// in-flight at a time.
type Session struct {
	rt    *runtime.Runtime
	chain *settlement.Client

	mu        sync.Mutex
	channelID string
	asset     string
}

// New builds a channel Session bound to a settlement client chain; the
// clearing-network client is passed to each call.
func New(rt *runtime.Runtime, chain *settlement.Client) *Session {
	return &Session{rt: rt, chain: chain}
}

// EnsureOpen reuses an existing open channel reported by a get_channels
// call, or creates one.
func (s *Session) EnsureOpen(ctx context.Context, cc *clearing.Client, asset string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelID != "" {
		return s.channelID, nil
	}

	method, raw, err := cc.Call(ctx, clearing.MethodGetChannels, struct{}{}, s.rt.Config.Timeouts.ClearingCall)
	if err != nil {
		return "", err
	}
	if method == string(clearing.EventChannels) || method == "get_channels" {
		var result clearing.GetChannelsResult
		if err := unmarshalInto(raw, &result); err == nil {
			for _, ch := range result.Channels {
				if ch.Status == clearing.ChannelOpen && ch.Token == asset {
					s.channelID = ch.ChannelID
					s.asset = asset
					return s.channelID, nil
				}
			}
		}
	}

	_, createRaw, err := cc.Call(ctx, clearing.MethodCreateChannel, clearing.CreateChannelParams{
		ChainID: s.chain.ChainID(),
		Token:   asset,
	}, s.rt.Config.Timeouts.ClearingCall)
	if err != nil {
		return "", err
	}

	var created clearing.CreateChannelResult
	if err := unmarshalInto(createRaw, &created); err != nil {
		return "", agentpayerr.New(agentpayerr.KindClearingProtocol, err)
	}

	if err := s.submitOnChain(ctx, created.UnsignedState); err != nil {
		return "", err
	}

	s.channelID = created.ChannelID
	s.asset = asset
	return s.channelID, nil
}

// Transfer moves amount of asset from the identity's unified balance to
// worker. Precondition, enforced by the clearing server and checked here
// against a fresh get_channels read: the channel's on-chain balance must be
// zero, since funds move through the unified-balance abstraction rather
// than the channel's own on-chain state.
func (s *Session) Transfer(ctx context.Context, cc *clearing.Client, worker common.Address, amount decimal.Decimal, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelID == "" {
		return agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("channel: transfer requires an open channel"))
	}

	onChain, err := s.onChainBalance(ctx, cc)
	if err != nil {
		return err
	}
	if !onChain.IsZero() {
		return agentpayerr.New(agentpayerr.KindClearingProtocol,
			fmt.Errorf("channel: transfer requires zero on-chain balance, channel %s carries %s", s.channelID, onChain))
	}

	_, _, err = cc.Call(ctx, clearing.MethodTransfer, clearing.TransferParams{
		Destination: worker.Hex(),
		Allocations: []clearing.StateAllocation{{Participant: worker.Hex(), Asset: asset, Amount: amount}},
	}, s.rt.Config.Timeouts.ClearingCall)
	return err
}

// onChainBalance re-reads the channel's current on-chain amount from the
// server's get_channels snapshot, so the decision is made against the
// latest state rather than anything cached locally.
func (s *Session) onChainBalance(ctx context.Context, cc *clearing.Client) (decimal.Decimal, error) {
	_, raw, err := cc.Call(ctx, clearing.MethodGetChannels, struct{}{}, s.rt.Config.Timeouts.ClearingCall)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var result clearing.GetChannelsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Decimal{}, agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("channel: decode get_channels reply: %w", err))
	}
	for _, ch := range result.Channels {
		if ch.ChannelID == s.channelID {
			return ch.Amount, nil
		}
	}
	return decimal.Decimal{}, agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("channel: %s not found in get_channels snapshot", s.channelID))
}

// Close requests a channel close and settles the final state on-chain,
// returning the settlement-chain transaction hash as the payment proof
// reference.
func (s *Session) Close(ctx context.Context, cc *clearing.Client) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelID == "" {
		return "", agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("channel: no open channel to close"))
	}

	_, raw, err := cc.Call(ctx, clearing.MethodCloseChannel, clearing.CloseChannelParams{
		ChannelID:   s.channelID,
		Destination: s.rt.ID.Address.Hex(),
	}, s.rt.Config.Timeouts.ClearingCall)
	if err != nil {
		return "", err
	}

	var result clearing.CloseChannelResult
	if err := unmarshalInto(raw, &result); err != nil {
		return "", agentpayerr.New(agentpayerr.KindClearingProtocol, err)
	}

	txHash, err := s.submitOnChainHash(ctx, result.FinalState)
	if err != nil {
		return "", err
	}
	s.channelID = ""
	return txHash, nil
}

func (s *Session) submitOnChain(ctx context.Context, state clearing.UnsignedState) error {
	_, err := s.submitOnChainHash(ctx, state)
	return err
}

// submitOnChainHash packs the unsigned state into custody-contract calldata
// and submits it, awaiting the receipt before returning. The custody
// contract is an external system with no bindings here; the state's JSON
// encoding stands in as the calldata payload, which keeps the on-chain leg
// exercised end-to-end against any settlement chain stub that accepts it.
func (s *Session) submitOnChainHash(ctx context.Context, state clearing.UnsignedState) (string, error) {
	key, err := s.rt.ID.SigningKeyForSettlement()
	if err != nil {
		return "", err
	}

	calldata, err := encodeState(state)
	if err != nil {
		return "", agentpayerr.New(agentpayerr.KindOnChainFailed, err)
	}

	// A failed submission is retried once with freshly built transact opts
	// (new nonce and gas estimate); a second failure is surfaced.
	var txHash common.Hash
	for attempt := 0; ; attempt++ {
		opts, err := s.chain.BuildTransactOpts(ctx, s.rt.ID.Address, key)
		if err != nil {
			return "", err
		}
		txHash, err = s.chain.SubmitCall(ctx, opts, calldata, nil)
		if err == nil {
			break
		}
		if attempt > 0 || !agentpayerr.Is(err, agentpayerr.KindOnChainFailed) {
			return "", err
		}
		zap.L().Warn("channel: on-chain submission failed, retrying with fresh gas", zap.Error(err))
	}

	if _, err := s.chain.AwaitReceipt(ctx, txHash, s.rt.Config.Timeouts.ChainReceipt); err != nil {
		zap.L().Error("channel: on-chain settlement failed", zap.Error(err))
		return "", err
	}
	return txHash.Hex(), nil
}

func unmarshalInto(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

// encodeState is a placeholder calldata encoder for the custody contract
// call: see submitOnChainHash's comment on why the state's JSON form stands
// in for real ABI-encoded calldata here.
func encodeState(state clearing.UnsignedState) ([]byte, error) {
	return json.Marshal(state)
}
