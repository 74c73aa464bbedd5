package channel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/runtime"
)

func testSession() *Session {
	return &Session{rt: &runtime.Runtime{Config: &runtime.Config{Timeouts: runtime.Timeouts{}.WithDefaults()}}}
}

func TestEnsureOpenReusesAlreadyTrackedChannel(t *testing.T) {
	s := testSession()
	s.channelID = "chan-existing"

	id, err := s.EnsureOpen(context.Background(), nil, "usdc")
	if err != nil {
		t.Fatalf("EnsureOpen: %v", err)
	}
	if id != "chan-existing" {
		t.Fatalf("expected cached channel id, got %q", id)
	}
}

func TestTransferRequiresOpenChannel(t *testing.T) {
	s := testSession()
	err := s.Transfer(context.Background(), nil, common.HexToAddress("0xaa"), decimal.RequireFromString("1"), "usdc")
	if !agentpayerr.Is(err, agentpayerr.KindClearingProtocol) {
		t.Fatalf("expected ClearingProtocol for transfer without an open channel, got %v", err)
	}
}

func TestCloseRequiresOpenChannel(t *testing.T) {
	s := testSession()
	_, err := s.Close(context.Background(), nil)
	if !agentpayerr.Is(err, agentpayerr.KindClearingProtocol) {
		t.Fatalf("expected ClearingProtocol for close without an open channel, got %v", err)
	}
}

func TestEncodeStateRoundTrips(t *testing.T) {
	state := clearing.UnsignedState{
		Intent:  clearing.IntentFinalize,
		Version: 3,
		Allocations: []clearing.StateAllocation{
			{Participant: "0xaa", Asset: "usdc", Amount: decimal.RequireFromString("1000000")},
		},
		ChannelID: "chan-1",
	}
	data, err := encodeState(state)
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}
	var decoded clearing.UnsignedState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != state.Version || decoded.ChannelID != state.ChannelID {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
	if !decoded.Allocations[0].Amount.Equal(state.Allocations[0].Amount) {
		t.Fatalf("expected allocation amount to survive round trip, got %s", decoded.Allocations[0].Amount)
	}
}
