// Package bill defines the Bill and PaymentProof types exchanged during the
// 402 handshake. Amounts use shopspring/decimal so quoted prices never lose
// precision between issuance and verification.
package bill

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Bill is issued by a worker in response to a job submission. Immutable once
// emitted.
type Bill struct {
	JobID         string          `json:"job_id"`
	WorkerAddress common.Address  `json:"worker_address"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Notes         string          `json:"notes,omitempty"`
}

// Expired reports whether the bill's expiry has passed as of now.
func (b Bill) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// ProofKind distinguishes the two settlement paths a PaymentProof can
// reference.
type ProofKind string

const (
	ProofChannelClose    ProofKind = "channel_close"
	ProofAppSessionState ProofKind = "app_session_state"
)

// PaymentProof is evidence that funds reached the worker. For ProofChannelClose,
// Reference is a settlement-chain transaction hash. For ProofAppSessionState,
// Reference has the form "session:<id>:version:<n>".
type PaymentProof struct {
	Kind          ProofKind       `json:"kind"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	WorkerAddress common.Address  `json:"worker_address"`
}
