// Package orchestrator chooses and drives a payment path: given a
// bill and a path preference, it drives either the channel path or the
// app-session path to completion and emits a PaymentProof.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/appsession"
	"github.com/agentpay/broker/pkg/bill"
	"github.com/agentpay/broker/pkg/channel"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/identity"
	"github.com/agentpay/broker/pkg/runtime"
	"github.com/agentpay/broker/pkg/settlement"
)

// PathPreference selects which payment-session state machine to drive.
type PathPreference string

const (
	PathChannel    PathPreference = "channel"
	PathAppSession PathPreference = "app_session"
)

// Dialer opens an authenticated clearing-network connection; injected so
// tests can substitute a fake session without a real websocket.
type Dialer func(ctx context.Context, scope string) (*clearing.Client, error)

// Orchestrator drives payment for a single identity, reusing one channel
// Session across hires.
type Orchestrator struct {
	rt      *runtime.Runtime
	dial    Dialer
	channel *channel.Session
}

// New builds an Orchestrator. chain may be nil if only the app-session path
// will ever be used (no on-chain settlement needed in that case).
func New(rt *runtime.Runtime, dial Dialer, chain *settlement.Client) *Orchestrator {
	o := &Orchestrator{rt: rt, dial: dial}
	if chain != nil {
		o.channel = channel.New(rt, chain)
	}
	return o
}

// Settle drives path to completion for b, paying counterparty. Transient
// failures are retried up to twice with exponential backoff (1s, 4s).
func (o *Orchestrator) Settle(ctx context.Context, b bill.Bill, counterparty common.Address, path PathPreference, quorum int) (bill.PaymentProof, error) {
	var proof bill.PaymentProof
	var err error

	backoffs := []time.Duration{time.Second, 4 * time.Second}
	for attempt := 0; ; attempt++ {
		proof, err = o.settleOnce(ctx, b, counterparty, path, quorum)
		if err == nil {
			return proof, nil
		}
		if !isTransient(err) || attempt >= len(backoffs) {
			return bill.PaymentProof{}, err
		}
		zap.L().Warn("orchestrator: transient failure, retrying",
			zap.Error(err), zap.Int("attempt", attempt+1))
		select {
		case <-time.After(backoffs[attempt]):
		case <-ctx.Done():
			return bill.PaymentProof{}, agentpayerr.New(agentpayerr.KindCancelled, ctx.Err())
		}
	}
}

func isTransient(err error) bool {
	return agentpayerr.Is(err, agentpayerr.KindClearingTimeout) ||
		agentpayerr.Is(err, agentpayerr.KindClearingAuthRejected)
}

func (o *Orchestrator) settleOnce(ctx context.Context, b bill.Bill, counterparty common.Address, path PathPreference, quorum int) (bill.PaymentProof, error) {
	switch path {
	case PathChannel:
		return o.settleChannel(ctx, b, counterparty)
	case PathAppSession:
		return o.settleAppSession(ctx, b, counterparty, quorum)
	default:
		return bill.PaymentProof{}, fmt.Errorf("orchestrator: unknown path preference %q", path)
	}
}

func (o *Orchestrator) settleChannel(ctx context.Context, b bill.Bill, counterparty common.Address) (bill.PaymentProof, error) {
	if o.channel == nil {
		return bill.PaymentProof{}, fmt.Errorf("orchestrator: channel path unavailable, no settlement client configured")
	}

	cc, err := o.dial(ctx, "channel")
	if err != nil {
		return bill.PaymentProof{}, err
	}
	defer cc.Close()

	if _, err := o.channel.EnsureOpen(ctx, cc, b.Asset); err != nil {
		return bill.PaymentProof{}, err
	}
	if err := o.channel.Transfer(ctx, cc, counterparty, b.Amount, b.Asset); err != nil {
		return bill.PaymentProof{}, err
	}
	txHash, err := o.channel.Close(ctx, cc)
	if err != nil {
		return bill.PaymentProof{}, err
	}

	return bill.PaymentProof{
		Kind:          bill.ProofChannelClose,
		Reference:     txHash,
		Amount:        b.Amount,
		WorkerAddress: counterparty,
	}, nil
}

func (o *Orchestrator) settleAppSession(ctx context.Context, b bill.Bill, counterparty common.Address, quorum int) (bill.PaymentProof, error) {
	if quorum == 0 {
		quorum = 2
	}

	cc, err := o.dial(ctx, "app_session")
	if err != nil {
		return bill.PaymentProof{}, err
	}
	defer cc.Close()

	sess, err := appsession.Create(ctx, cc, "agentpay", []string{o.rt.ID.Address.Hex(), counterparty.Hex()}, quorum, time.Hour, time.Now().Unix(), o.rt.Config.Timeouts.ClearingCall)
	if err != nil {
		return bill.PaymentProof{}, err
	}

	allocations := []clearing.StateAllocation{
		{Participant: o.rt.ID.Address.Hex(), Asset: b.Asset, Amount: decimal.Zero},
		{Participant: counterparty.Hex(), Asset: b.Asset, Amount: b.Amount},
	}

	outcome, err := sess.SubmitState(ctx, cc, 2, allocations, o.rt.Config.Timeouts.ClearingCall)
	if err != nil {
		return bill.PaymentProof{}, err
	}
	if outcome == appsession.PartiallySigned {
		updates := cc.Subscribe(clearing.EventAppSU)
		if err := appsession.AwaitCounterpartyVersion(ctx, updates, sess.AppSessionID, 2, o.rt.Config.Timeouts.ClearingCall); err != nil {
			return bill.PaymentProof{}, err
		}
	}

	if err := sess.Close(ctx, cc, allocations, o.rt.Config.Timeouts.ClearingCall); err != nil {
		return bill.PaymentProof{}, err
	}
	if quorum == 2 {
		_ = appsession.PollClosed(ctx, cc, sess.AppSessionID, time.Second, 10*time.Second)
	}

	return bill.PaymentProof{
		Kind:          bill.ProofAppSessionState,
		Reference:     fmt.Sprintf("session:%s:version:%d", sess.AppSessionID, 2),
		Amount:        b.Amount,
		WorkerAddress: counterparty,
	}, nil
}

// DialerFor builds a Dialer bound to a fixed clearing-network URL, scope
// name, and identity, the common case for a single-process orchestrator.
func DialerFor(url string, id *identity.Identity, appName string, timeout time.Duration) Dialer {
	return func(ctx context.Context, scope string) (*clearing.Client, error) {
		return clearing.Dial(ctx, url, id, appName, nil, scope, timeout)
	}
}
