// Package hirer drives the client side of a hire: resolve a worker name,
// submit a job, pay against the returned bill, and collect the result.
package hirer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/bill"
	"github.com/agentpay/broker/pkg/orchestrator"
	"github.com/agentpay/broker/pkg/resolver"
	"github.com/agentpay/broker/pkg/runtime"
)

// Result is the worker's completed-job response.
type Result struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result"`
	Status string          `json:"status"`
}

// Hirer resolves worker names and drives the full hire flow against them.
type Hirer struct {
	rt     *runtime.Runtime
	res    *resolver.Resolver
	orch   *orchestrator.Orchestrator
	client *http.Client
}

// New builds a Hirer. Per-call deadlines come from the runtime's configured
// timeouts, so the shared http.Client itself carries none.
func New(rt *runtime.Runtime, res *resolver.Resolver, orch *orchestrator.Orchestrator) *Hirer {
	return &Hirer{rt: rt, res: res, orch: orch, client: &http.Client{}}
}

type jobSubmission struct {
	TaskType     string             `json:"task_type,omitempty"`
	InputData    json.RawMessage    `json:"input_data,omitempty"`
	JobID        string             `json:"job_id,omitempty"`
	PaymentProof *bill.PaymentProof `json:"payment_proof,omitempty"`
}

type billView struct {
	Amount        string    `json:"amount"`
	Asset         string    `json:"asset"`
	WorkerAddress string    `json:"worker_address"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type jobResponse struct {
	JobID  string          `json:"job_id"`
	Bill   billView        `json:"bill"`
	Reason string          `json:"reason"`
	Result json.RawMessage `json:"result"`
	Status string          `json:"status"`
}

// Hire resolves workerName, submits a job, pays the returned bill via
// path, and returns the worker's completed result.
func (h *Hirer) Hire(ctx context.Context, workerName, taskType string, inputData json.RawMessage, path orchestrator.PathPreference) (Result, error) {
	rec, err := h.res.Resolve(ctx, workerName)
	if err != nil {
		return Result{}, err
	}

	initialCtx, cancel := context.WithTimeout(ctx, h.rt.Config.Timeouts.HirerInitial)
	resp, err := h.postJob(initialCtx, rec.Endpoint, jobSubmission{TaskType: taskType, InputData: inputData})
	cancel()
	if err != nil {
		return Result{}, err
	}
	if resp.JobID == "" {
		return Result{}, fmt.Errorf("hirer: worker %q did not return a job_id with its bill", workerName)
	}

	b := bill.Bill{
		JobID:     resp.JobID,
		Asset:     resp.Bill.Asset,
		ExpiresAt: resp.Bill.ExpiresAt,
	}
	if b.Asset == "" {
		return Result{}, fmt.Errorf("hirer: worker %q returned no bill with its 402", workerName)
	}
	amount, err := parseAmount(resp.Bill.Amount)
	if err != nil {
		return Result{}, fmt.Errorf("hirer: malformed bill amount %q: %w", resp.Bill.Amount, err)
	}
	b.Amount = amount
	b.WorkerAddress = rec.Address

	// If the bill expired while payment was in flight, the worker's 402
	// carries a fresh bill for the same job; pay that one and resubmit once.
	for attempt := 0; ; attempt++ {
		proof, err := h.orch.Settle(ctx, b, rec.Address, path, 0)
		if err != nil {
			return Result{}, err
		}

		paidCtx, cancel := context.WithTimeout(ctx, h.rt.Config.Timeouts.HirerPaid)
		final, err := h.postJob(paidCtx, rec.Endpoint, jobSubmission{JobID: resp.JobID, PaymentProof: &proof})
		cancel()
		if err != nil {
			return Result{}, err
		}
		if final.Status == "completed" {
			return Result{JobID: final.JobID, Result: final.Result, Status: final.Status}, nil
		}
		if final.Reason == "bill_expired" && attempt == 0 {
			fresh, err := parseAmount(final.Bill.Amount)
			if err != nil {
				return Result{}, agentpayerr.New(agentpayerr.KindBillExpired,
					fmt.Errorf("hirer: worker %q reissued a malformed bill: %w", workerName, err))
			}
			b.Amount = fresh
			b.Asset = final.Bill.Asset
			b.ExpiresAt = final.Bill.ExpiresAt
			continue
		}
		return Result{}, agentpayerr.New(agentpayerr.KindPaymentVerificationFail,
			fmt.Errorf("hirer: worker %q rejected proof: %s", workerName, final.Reason))
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func (h *Hirer) postJob(ctx context.Context, endpoint string, body jobSubmission) (jobResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return jobResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/job", bytes.NewReader(payload))
	if err != nil {
		return jobResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return jobResponse{}, fmt.Errorf("hirer: POST %s/job: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jobResponse{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPaymentRequired:
		var jr jobResponse
		if err := json.Unmarshal(raw, &jr); err != nil {
			return jobResponse{}, fmt.Errorf("hirer: decode response: %w", err)
		}
		return jr, nil
	case http.StatusConflict:
		return jobResponse{}, fmt.Errorf("hirer: worker rejected job %q: conflicting or replayed proof", body.JobID)
	case http.StatusServiceUnavailable:
		return jobResponse{}, fmt.Errorf("hirer: worker at %s is overloaded", endpoint)
	default:
		return jobResponse{}, fmt.Errorf("hirer: worker at %s returned unexpected status %d: %s", endpoint, resp.StatusCode, string(raw))
	}
}
