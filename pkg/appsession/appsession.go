// Package appsession implements the app-session payment path: create a
// bilateral session, submit single- or two-party quorum state updates, and
// close it. The two participants never exchange the state payload directly;
// both sides compute the same (version, allocations) from shared inputs and
// submit it independently, and the clearing server assembles the quorum.
package appsession

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/clearing"
)

// Session is one app-session's client-side state: id, current version, and
// quorum.
type Session struct {
	AppSessionID string
	Quorum       int
	version      uint64
}

// Create sends create_app_session with a two-participant definition and
// returns the new Session at version 1.
func Create(ctx context.Context, cc *clearing.Client, application string, participants []string, quorum int, challengeDuration time.Duration, nonce int64, timeout time.Duration) (*Session, error) {
	if quorum != 1 && quorum != 2 {
		return nil, fmt.Errorf("appsession: quorum must be 1 or 2, got %d", quorum)
	}

	params := clearing.CreateAppSessionParams{
		Definition: clearing.AppDefinition{
			Application:       application,
			ProtocolVersion:   "NitroRPC/0.4",
			Participants:      participants,
			Weights:           []int{1, 1},
			Quorum:            quorum,
			ChallengeDuration: int64(challengeDuration.Seconds()),
			Nonce:             nonce,
		},
		Allocations: nil,
	}

	_, raw, err := cc.Call(ctx, clearing.MethodCreateAppSession, params, timeout)
	if err != nil {
		return nil, err
	}

	var result struct {
		AppSessionID string `json:"app_session_id"`
		Version      uint64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, agentpayerr.New(agentpayerr.KindClearingProtocol, err)
	}
	if result.Version != 1 {
		return nil, agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("appsession: expected version 1 at creation, got %d", result.Version))
	}

	return &Session{AppSessionID: result.AppSessionID, Quorum: quorum, version: result.Version}, nil
}

// Resume tracks an existing app session this process did not create, at
// currentVersion. A counterparty that learns of the session only through an
// asu notification (see Cosigner) rather than create_app_session's direct
// reply uses this to submit the matching countersignature.
func Resume(appSessionID string, quorum int, currentVersion uint64) *Session {
	return &Session{AppSessionID: appSessionID, Quorum: quorum, version: currentVersion}
}

// Outcome of a SubmitState call: either the state was fully accepted, or (in
// the quorum=2 case) this side's signature was accepted and the counterparty
// has not yet signed.
type Outcome int

const (
	Accepted Outcome = iota
	PartiallySigned
)

// SubmitState sends the agreed (version, allocations) for this party. Both
// participants in a quorum=2 session must call this with identical version
// and allocations values, computed by the coordinator (see the package doc).
func (s *Session) SubmitState(ctx context.Context, cc *clearing.Client, version uint64, allocations []clearing.StateAllocation, timeout time.Duration) (Outcome, error) {
	if version != s.version+1 {
		return Accepted, fmt.Errorf("appsession: version must be current+1 (%d), got %d", s.version+1, version)
	}

	_, _, err := cc.Call(ctx, clearing.MethodSubmitAppState, clearing.SubmitAppStateParams{
		AppSessionID: s.AppSessionID,
		Intent:       clearing.IntentOperate,
		Version:      version,
		Allocations:  allocations,
	}, timeout)

	if err != nil {
		if _, partial := err.(clearing.PartiallySignedError); partial {
			return PartiallySigned, nil
		}
		return Accepted, err
	}

	s.version = version
	return Accepted, nil
}

// AwaitCounterpartyVersion blocks on the session's asu notification channel
// until version is observed or the deadline passes. A coordinator uses it to
// resolve a PartiallySigned outcome into Accepted once the counterparty's
// signature lands.
func AwaitCounterpartyVersion(ctx context.Context, updates <-chan json.RawMessage, appSessionID string, version uint64, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-updates:
			var su struct {
				AppSessionID string `json:"app_session_id"`
				Version      uint64 `json:"version"`
			}
			if err := json.Unmarshal(raw, &su); err == nil && su.AppSessionID == appSessionID && su.Version >= version {
				return nil
			}
		case <-deadline:
			return agentpayerr.New(agentpayerr.KindClearingTimeout, fmt.Errorf("appsession: counterparty did not reach version %d", version))
		case <-ctx.Done():
			return agentpayerr.New(agentpayerr.KindCancelled, ctx.Err())
		}
	}
}

// Close sends close_app_session with the final allocation. For quorum=2, if
// the server never acknowledges after both sides have sent (the "open
// question" noted in the design notes), the caller should fall back to
// PollClosed.
func (s *Session) Close(ctx context.Context, cc *clearing.Client, finalAllocations []clearing.StateAllocation, timeout time.Duration) error {
	_, _, err := cc.Call(ctx, clearing.MethodCloseAppSession, clearing.CloseAppSessionParams{
		AppSessionID:     s.AppSessionID,
		FinalAllocations: finalAllocations,
	}, timeout)
	if err != nil {
		if _, partial := err.(clearing.PartiallySignedError); partial {
			return nil
		}
		return err
	}
	return nil
}

// PollClosed polls get_app_sessions until the session's status is closed or
// the deadline passes.
func PollClosed(ctx context.Context, cc *clearing.Client, appSessionID string, pollInterval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, raw, err := cc.Call(ctx, clearing.MethodGetAppSessions, clearing.GetAppSessionsParams{}, timeout)
		if err == nil {
			var result clearing.GetAppSessionsResult
			if json.Unmarshal(raw, &result) == nil {
				for _, as := range result.AppSessions {
					if as.AppSessionID == appSessionID && as.Status == clearing.ChannelClosed {
						return nil
					}
				}
			}
		}
		if time.Now().After(deadline) {
			return agentpayerr.New(agentpayerr.KindClearingTimeout, fmt.Errorf("appsession: %s did not close in time", appSessionID))
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return agentpayerr.New(agentpayerr.KindCancelled, ctx.Err())
		}
	}
}

// SumAllocations returns the total across allocations for conservation
// checks: any accepted state must preserve the sum fixed at creation.
func SumAllocations(allocations []clearing.StateAllocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.Amount)
	}
	return total
}
