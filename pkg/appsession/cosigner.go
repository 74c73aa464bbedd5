package appsession

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/clearing"
)

// appSessionUpdate is the subset of an asu notification's payload a Cosigner
// needs: which session, which version, and who it credits.
type appSessionUpdate struct {
	AppSessionID string                     `json:"app_session_id"`
	Version      uint64                     `json:"version"`
	Allocations  []clearing.StateAllocation `json:"allocations"`
}

// Cosigner is the counterparty half of two-party quorum coordination:
// the session creator alone can never reach quorum=2, since the
// clearing server requires both participants to independently submit the
// identical state, and the HTTP job protocol gives the counterparty no
// synchronous chance to do so before the creator's side is already waiting
// on it. Cosigner instead watches asu notifications on a standing
// authenticated connection and submits the matching countersignature for
// any update that credits self, without being asked.
type Cosigner struct {
	self string // lowercased hex address this Cosigner signs on behalf of
}

// NewCosigner builds a Cosigner for self (this identity's hex address).
func NewCosigner(self string) *Cosigner {
	return &Cosigner{self: strings.ToLower(self)}
}

// Watch subscribes to app-session update notifications on cc and
// countersigns every update crediting self at a version not yet signed,
// until ctx is cancelled or the notification channel closes.
func (cs *Cosigner) Watch(ctx context.Context, cc *clearing.Client, timeout time.Duration) {
	updates := cc.Subscribe(clearing.EventAppSU)
	signed := make(map[string]uint64)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-updates:
			if !ok {
				return
			}
			cs.handle(ctx, cc, raw, signed, timeout)
		}
	}
}

func (cs *Cosigner) handle(ctx context.Context, cc *clearing.Client, raw json.RawMessage, signed map[string]uint64, timeout time.Duration) {
	var su appSessionUpdate
	if err := json.Unmarshal(raw, &su); err != nil || su.AppSessionID == "" || su.Version == 0 {
		return
	}
	if signed[su.AppSessionID] >= su.Version {
		return
	}

	credited := false
	for _, a := range su.Allocations {
		if strings.EqualFold(a.Participant, cs.self) {
			credited = true
			break
		}
	}
	if !credited {
		return
	}

	sess := Resume(su.AppSessionID, 2, su.Version-1)
	if _, err := sess.SubmitState(ctx, cc, su.Version, su.Allocations, timeout); err != nil {
		zap.L().Warn("appsession: cosign failed", zap.String("app_session_id", su.AppSessionID), zap.Error(err))
		return
	}
	signed[su.AppSessionID] = su.Version
}
