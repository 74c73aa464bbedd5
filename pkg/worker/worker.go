// Package worker implements the worker side of the 402 handshake: a job
// submission without proof gets a bill, a submission with a verified proof
// gets the work performed and the result delivered, and replays are
// idempotent. The in-memory job table is a mutex-guarded map; jobs expire
// if payment never arrives.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/bill"
	"github.com/agentpay/broker/pkg/runtime"
	"github.com/agentpay/broker/pkg/status"
	"github.com/agentpay/broker/pkg/workcollab"
)

// jobState is a job's position between bill issuance and result delivery.
type jobState string

const (
	stateAwaitingPayment jobState = "awaiting-payment"
	stateCompleted       jobState = "completed"
)

// job is the in-memory record the worker holds between a job submission
// and its expiry or completion.
type job struct {
	taskType  string
	input     json.RawMessage
	bill      bill.Bill
	state     jobState
	verifying bool
	accepted  *bill.PaymentProof
	result    json.RawMessage
	expires   time.Time
}

// BillIssuer mints a fresh Bill for a new job, naming the worker's own
// address, asset, and price for taskType. Injected so price tables can vary
// the amount by task type.
type BillIssuer func(taskType string) (bill.Bill, error)

// ProofVerifier checks a payment proof against a bill; *Verifier is the
// production implementation, and tests inject fakes the same way the
// BillIssuer and Collaborator dependencies are injected.
type ProofVerifier interface {
	Verify(ctx context.Context, proof bill.PaymentProof, b bill.Bill) error
}

// Server is the Worker Server: an http.Handler plus the job table and
// collaborator it drives once a proof verifies.
type Server struct {
	rt           *runtime.Runtime
	issueBill    BillIssuer
	verifier     ProofVerifier
	collaborator workcollab.Collaborator
	statusRec    *status.Recorder

	jobTTL  time.Duration
	maxJobs int

	mu   sync.Mutex
	jobs map[string]*job
}

// New builds a Server. maxJobs <= 0 disables the outstanding-job cap.
func New(rt *runtime.Runtime, issueBill BillIssuer, verifier ProofVerifier, collaborator workcollab.Collaborator, statusRec *status.Recorder, jobTTL time.Duration, maxJobs int) *Server {
	if jobTTL <= 0 {
		jobTTL = 10 * time.Minute
	}
	return &Server{
		rt:           rt,
		issueBill:    issueBill,
		verifier:     verifier,
		collaborator: collaborator,
		statusRec:    statusRec,
		jobTTL:       jobTTL,
		maxJobs:      maxJobs,
		jobs:         make(map[string]*job),
	}
}

// Handler returns the worker's HTTP surface: POST /job and GET /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/job", s.handleJob)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

type jobRequest struct {
	TaskType     string             `json:"task_type"`
	InputData    json.RawMessage    `json:"input_data"`
	JobID        string             `json:"job_id,omitempty"`
	PaymentProof *bill.PaymentProof `json:"payment_proof,omitempty"`
}

type billView struct {
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	WorkerAddress string `json:"worker_address"`
	ExpiresAt     string `json:"expires_at"`
}

func toBillView(b bill.Bill) billView {
	return billView{
		Amount:        b.Amount.String(),
		Asset:         b.Asset,
		WorkerAddress: b.WorkerAddress.Hex(),
		ExpiresAt:     b.ExpiresAt.Format(time.RFC3339),
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "invalid request body"})
		return
	}

	if req.JobID == "" {
		s.handleNewJob(w, r, req)
		return
	}
	s.handlePaidJob(w, r, req)
}

// handleNewJob handles "POST /job without proof": respond 402 with a fresh
// bill and hold the job until payment or expiry.
func (s *Server) handleNewJob(w http.ResponseWriter, r *http.Request, req jobRequest) {
	if req.TaskType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "task_type is required"})
		return
	}

	s.mu.Lock()
	s.evictExpiredLocked()
	if s.maxJobs > 0 && len(s.jobs) >= s.maxJobs {
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": "worker overloaded"})
		return
	}
	s.mu.Unlock()

	b, err := s.issueBill(req.TaskType)
	if err != nil {
		zap.L().Error("worker: bill issuance failed", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "unable to quote this task type"})
		return
	}

	j := &job{
		taskType: req.TaskType,
		input:    req.InputData,
		bill:     b,
		state:    stateAwaitingPayment,
		expires:  time.Now().Add(s.jobTTL),
	}
	s.mu.Lock()
	s.jobs[b.JobID] = j
	s.mu.Unlock()

	s.statusRec.Set(status.Offered, b.JobID)

	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"job_id": b.JobID,
		"bill":   toBillView(b),
		"reason": "payment_required",
	})
}

// handlePaidJob handles "POST /job with job_id + payment_proof": verify,
// invoke the collaborator, cache, and return the result, with idempotent
// replay across attempts.
func (s *Server) handlePaidJob(w http.ResponseWriter, r *http.Request, req jobRequest) {
	s.mu.Lock()
	j, ok := s.jobs[req.JobID]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "unknown job_id"})
		return
	}
	if j.state == stateCompleted {
		accepted := j.accepted
		result := j.result
		s.mu.Unlock()
		// Idempotent replay of the accepted proof returns the cached result;
		// any other proof for a settled job is rejected.
		if req.PaymentProof != nil && accepted != nil && sameProof(*req.PaymentProof, *accepted) {
			writeJSON(w, http.StatusOK, map[string]any{
				"job_id": req.JobID,
				"result": json.RawMessage(result),
				"status": "completed",
			})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"reason": "a different proof was already accepted for this job_id"})
		return
	}
	if j.verifying {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"reason": "a proof for this job is already being verified"})
		return
	}
	if req.PaymentProof == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "payment_proof is required for an existing job_id"})
		return
	}
	if j.bill.Expired(time.Now()) {
		if fresh, err := s.issueBill(j.taskType); err == nil {
			fresh.JobID = req.JobID
			j.bill = fresh
		}
		b := j.bill
		s.mu.Unlock()
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"job_id": req.JobID,
			"bill":   toBillView(b),
			"reason": "bill_expired",
		})
		return
	}
	j.verifying = true
	b := j.bill
	s.mu.Unlock()

	if err := s.verifier.Verify(r.Context(), *req.PaymentProof, b); err != nil {
		if !agentpayerr.Is(err, agentpayerr.KindPaymentVerificationFail) {
			zap.L().Warn("worker: proof verification error", zap.Error(err))
		}
		s.mu.Lock()
		j.verifying = false
		s.mu.Unlock()
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"job_id": req.JobID,
			"bill":   toBillView(b),
			"reason": "verification_failed",
		})
		return
	}

	s.statusRec.Set(status.Working, req.JobID)
	result, err := s.collaborator.Run(r.Context(), j.taskType, j.input)
	if err != nil {
		zap.L().Error("worker: collaborator failed", zap.Error(err))
		s.mu.Lock()
		j.verifying = false
		s.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "work collaborator failed"})
		return
	}

	s.mu.Lock()
	j.state = stateCompleted
	j.verifying = false
	j.accepted = req.PaymentProof
	j.result = result
	s.mu.Unlock()
	s.statusRec.Set(status.Completed, req.JobID)

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": req.JobID,
		"result": json.RawMessage(result),
		"status": "completed",
	})
}

// sameProof reports whether two proofs are the same settlement evidence.
func sameProof(a, b bill.PaymentProof) bool {
	return a.Kind == b.Kind &&
		a.Reference == b.Reference &&
		a.Amount.Equal(b.Amount) &&
		a.WorkerAddress == b.WorkerAddress
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.evictExpiredLocked()
	open := 0
	for _, j := range s.jobs {
		if j.state != stateCompleted {
			open++
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"address":   s.rt.ID.Address.Hex(),
		"open_jobs": open,
	})
}

// evictExpiredLocked drops awaiting-payment jobs past their expiry. Must be
// called with s.mu held.
func (s *Server) evictExpiredLocked() {
	now := time.Now()
	for id, j := range s.jobs {
		if j.state == stateAwaitingPayment && !j.verifying && now.After(j.expires) {
			delete(s.jobs, id)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("worker: encode response failed", zap.Error(err))
	}
}

// NewBillIssuer builds a BillIssuer that quotes a flat price from prices
// (task_type -> decimal amount string) in asset, naming workerAddr as payee
// and expiring ttl after issuance. A "default" entry prices task types the
// table does not name. There is no negotiation beyond the flat quote.
func NewBillIssuer(workerAddr common.Address, asset string, prices map[string]string, ttl time.Duration, newJobID func() string) BillIssuer {
	return func(taskType string) (bill.Bill, error) {
		priceStr, ok := prices[taskType]
		if !ok {
			priceStr, ok = prices["default"]
		}
		if !ok {
			return bill.Bill{}, fmt.Errorf("worker: no price configured for task_type %q", taskType)
		}
		amount, err := decimal.NewFromString(priceStr)
		if err != nil {
			return bill.Bill{}, fmt.Errorf("worker: invalid price %q for task_type %q: %w", priceStr, taskType, err)
		}
		return bill.Bill{
			JobID:         newJobID(),
			WorkerAddress: workerAddr,
			Amount:        amount,
			Asset:         asset,
			ExpiresAt:     time.Now().Add(ttl),
		}, nil
	}
}
