package hirer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentpay/broker/pkg/identity"
	"github.com/agentpay/broker/pkg/orchestrator"
	"github.com/agentpay/broker/pkg/resolver"
	"github.com/agentpay/broker/pkg/runtime"
)

type fakeNameService struct {
	endpoint string
	address  common.Address
	caps     string
	prices   string
	err      error
}

func (f *fakeNameService) TextRecord(_ context.Context, _, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	switch key {
	case "agentpay.endpoint":
		return f.endpoint, nil
	case "agentpay.capabilities":
		return f.caps, nil
	case "agentpay.prices":
		return f.prices, nil
	}
	return "", fmt.Errorf("unknown key %q", key)
}

func (f *fakeNameService) AddressRecord(_ context.Context, _ string) (common.Address, error) {
	return f.address, f.err
}

func testRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	id, err := identity.Load("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", "client.eth")
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	cfg := &runtime.Config{Timeouts: runtime.Timeouts{}.WithDefaults()}
	return &runtime.Runtime{ID: id, Config: cfg}
}

func newTestHirer(t *testing.T, ns resolver.NameService) *Hirer {
	t.Helper()
	rt := testRuntime(t)
	res := resolver.New(ns, nil, time.Minute)
	orch := orchestrator.New(rt, nil, nil)
	return New(rt, res, orch)
}

func TestHireResolveFailurePropagates(t *testing.T) {
	h := newTestHirer(t, &fakeNameService{err: fmt.Errorf("boom")})
	_, err := h.Hire(context.Background(), "worker.eth", "summarize", json.RawMessage(`{}`), orchestrator.PathChannel)
	if err == nil {
		t.Fatal("expected resolve error to propagate")
	}
}

func TestHireWithoutJobIDFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{"reason": "payment_required"})
	}))
	defer ts.Close()

	h := newTestHirer(t, &fakeNameService{endpoint: ts.URL, address: common.HexToAddress("0xaa")})
	_, err := h.Hire(context.Background(), "worker.eth", "summarize", json.RawMessage(`{}`), orchestrator.PathChannel)
	if err == nil {
		t.Fatal("expected error for missing job_id")
	}
}

func TestHireWithoutBillAssetFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": "job-1"})
	}))
	defer ts.Close()

	h := newTestHirer(t, &fakeNameService{endpoint: ts.URL, address: common.HexToAddress("0xaa")})
	_, err := h.Hire(context.Background(), "worker.eth", "summarize", json.RawMessage(`{}`), orchestrator.PathChannel)
	if err == nil {
		t.Fatal("expected error for missing bill asset")
	}
}

func TestHireWithMalformedAmountFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job_id": "job-1",
			"bill":   map[string]any{"amount": "not-a-number", "asset": "usdc", "expires_at": time.Now().Add(time.Hour)},
		})
	}))
	defer ts.Close()

	h := newTestHirer(t, &fakeNameService{endpoint: ts.URL, address: common.HexToAddress("0xaa")})
	_, err := h.Hire(context.Background(), "worker.eth", "summarize", json.RawMessage(`{}`), orchestrator.PathChannel)
	if err == nil {
		t.Fatal("expected error for malformed bill amount")
	}
}

func TestHireSettleFailurePropagatesWithNoChannelConfigured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job_id": "job-1",
			"bill":   map[string]any{"amount": "1.00", "asset": "usdc", "expires_at": time.Now().Add(time.Hour)},
		})
	}))
	defer ts.Close()

	h := newTestHirer(t, &fakeNameService{endpoint: ts.URL, address: common.HexToAddress("0xaa")})
	_, err := h.Hire(context.Background(), "worker.eth", "summarize", json.RawMessage(`{}`), orchestrator.PathChannel)
	if err == nil {
		t.Fatal("expected settle failure (no settlement client configured) to propagate")
	}
}

func TestPostJobHandlesStatusCodes(t *testing.T) {
	rt := testRuntime(t)
	h := New(rt, nil, nil)

	cases := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{"ok", http.StatusOK, false},
		{"paymentRequired", http.StatusPaymentRequired, false},
		{"conflict", http.StatusConflict, true},
		{"overloaded", http.StatusServiceUnavailable, true},
		{"unexpected", http.StatusInternalServerError, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_ = json.NewEncoder(w).Encode(map[string]any{"job_id": "job-1", "status": "completed"})
			}))
			defer ts.Close()

			_, err := h.postJob(context.Background(), ts.URL, jobSubmission{TaskType: "summarize"})
			if (err != nil) != tc.wantErr {
				t.Fatalf("postJob status %d: err=%v, wantErr=%v", tc.statusCode, err, tc.wantErr)
			}
		})
	}
}
