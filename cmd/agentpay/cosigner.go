package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/appsession"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/runtime"
)

// runQuorumCosigner maintains a standing authenticated clearing-network
// connection and independently countersigns any app-session update that
// credits this identity: the worker-side half of two-party quorum
// coordination the HTTP job protocol alone cannot drive, since the
// client's orchestrator blocks waiting for this signature before it ever
// re-POSTs the job with a proof. Runs until ctx is cancelled, reconnecting
// on dial failure.
func runQuorumCosigner(ctx context.Context, rt *runtime.Runtime) {
	if rt.Config.ClearingURL == "" {
		return
	}
	cosigner := appsession.NewCosigner(rt.ID.Address.Hex())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cc, err := clearing.Dial(ctx, rt.Config.ClearingURL, rt.ID, "agentpay", nil, "cosign", rt.Config.Timeouts.ClearingDial)
		if err != nil {
			zap.L().Warn("worker: quorum cosigner dial failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		cosigner.Watch(ctx, cc, rt.Config.Timeouts.ClearingCall)
		cc.Close()
	}
}
