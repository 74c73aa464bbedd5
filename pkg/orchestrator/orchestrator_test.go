package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agentpay/broker/pkg/bill"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/identity"
	"github.com/agentpay/broker/pkg/runtime"
)

func testRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	id, err := identity.Load("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", "client.eth")
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	return &runtime.Runtime{ID: id, Config: &runtime.Config{Timeouts: runtime.Timeouts{}.WithDefaults()}}
}

func testBill() bill.Bill {
	return bill.Bill{
		JobID:         "job-1",
		WorkerAddress: common.HexToAddress("0xaa"),
		Amount:        decimal.RequireFromString("1000000"),
		Asset:         "usdc",
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

func TestSettleRejectsUnknownPathPreference(t *testing.T) {
	o := New(testRuntime(t), nil, nil)
	_, err := o.Settle(context.Background(), testBill(), common.HexToAddress("0xaa"), PathPreference("bogus"), 1)
	if err == nil {
		t.Fatal("expected unknown path preference to fail")
	}
}

func TestSettleChannelFailsWithoutSettlementClient(t *testing.T) {
	o := New(testRuntime(t), nil, nil)
	_, err := o.Settle(context.Background(), testBill(), common.HexToAddress("0xaa"), PathChannel, 1)
	if err == nil {
		t.Fatal("expected channel path to fail when no settlement client was configured")
	}
}

func TestSettleAppSessionPropagatesDialFailure(t *testing.T) {
	dial := func(ctx context.Context, scope string) (*clearing.Client, error) {
		return nil, fmt.Errorf("dial refused")
	}
	o := New(testRuntime(t), dial, nil)
	_, err := o.Settle(context.Background(), testBill(), common.HexToAddress("0xaa"), PathAppSession, 1)
	if err == nil {
		t.Fatal("expected app-session path to propagate a dial failure")
	}
}
