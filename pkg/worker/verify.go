package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/bill"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/settlement"
)

// defaultVerifyTimeout bounds the single get_app_sessions round trip a
// verification performs.
const defaultVerifyTimeout = 15 * time.Second

// ClearingDialer opens an authenticated clearing-network connection for
// proof verification; injected so tests can substitute a fake session.
type ClearingDialer func(ctx context.Context) (*clearing.Client, error)

// Verifier checks a PaymentProof against a Bill without calling back to the
// client: for channel_close it confirms the settlement-chain receipt; for
// app_session_state it queries the clearing network directly for the
// referenced session/version's allocation to the worker.
type Verifier struct {
	chain *settlement.Client
	dial  ClearingDialer
}

// NewVerifier builds a Verifier. Either dependency may be nil if that path is
// never used by this worker (e.g. a worker that only accepts app-session
// proofs needs no settlement client).
func NewVerifier(chain *settlement.Client, dial ClearingDialer) *Verifier {
	return &Verifier{chain: chain, dial: dial}
}

// Verify confirms proof credits the billed worker with at least b.Amount
// of b.Asset, dispatching on the proof kind.
func (v *Verifier) Verify(ctx context.Context, proof bill.PaymentProof, b bill.Bill) error {
	switch proof.Kind {
	case bill.ProofChannelClose:
		return v.verifyChannelClose(ctx, proof, b)
	case bill.ProofAppSessionState:
		return v.verifyAppSessionState(ctx, proof, b)
	default:
		return agentpayerr.New(agentpayerr.KindPaymentVerificationFail, fmt.Errorf("worker: unknown proof kind %q", proof.Kind))
	}
}

// verifyChannelClose never trusts proof.Amount: a client could otherwise pair
// any successfully-mined (even unrelated, zero-value) tx hash with a forged
// PaymentProof.Amount and have it accepted. Instead it confirms the receipt
// succeeded and then independently decodes the mined transaction's calldata
// (the settlement layer's own JSON-encoded UnsignedState, see
// channel.encodeState) to recover the allocations actually submitted
// on-chain, and checks those against the bill.
func (v *Verifier) verifyChannelClose(ctx context.Context, proof bill.PaymentProof, b bill.Bill) error {
	if v.chain == nil {
		return agentpayerr.New(agentpayerr.KindPaymentVerificationFail, fmt.Errorf("worker: no settlement client configured for channel_close proofs"))
	}

	txHash, err := parseTxHash(proof.Reference)
	if err != nil {
		return agentpayerr.New(agentpayerr.KindPaymentVerificationFail, err)
	}
	if _, err := v.chain.VerifyTransferReceipt(ctx, txHash); err != nil {
		return err
	}

	calldata, err := v.chain.TransactionCalldata(ctx, txHash)
	if err != nil {
		return err
	}
	var state struct {
		Allocations []struct {
			Participant string          `json:"participant"`
			Asset       string          `json:"asset"`
			Amount      decimal.Decimal `json:"amount"`
		} `json:"allocations"`
	}
	if err := unmarshal(calldata, &state); err != nil {
		return agentpayerr.New(agentpayerr.KindPaymentVerificationFail, fmt.Errorf("worker: cannot decode settlement transaction %s: %w", txHash.Hex(), err))
	}
	for _, alloc := range state.Allocations {
		if strings.EqualFold(alloc.Participant, b.WorkerAddress.Hex()) &&
			strings.EqualFold(alloc.Asset, b.Asset) &&
			alloc.Amount.GreaterThanOrEqual(b.Amount) {
			return nil
		}
	}
	return agentpayerr.New(agentpayerr.KindPaymentVerificationFail,
		fmt.Errorf("worker: settlement transaction %s does not credit %s with %s %s", txHash.Hex(), b.WorkerAddress.Hex(), b.Amount, b.Asset))
}

func (v *Verifier) verifyAppSessionState(ctx context.Context, proof bill.PaymentProof, b bill.Bill) error {
	if v.dial == nil {
		return agentpayerr.New(agentpayerr.KindPaymentVerificationFail, fmt.Errorf("worker: no clearing dialer configured for app_session_state proofs"))
	}
	appSessionID, version, err := parseSessionReference(proof.Reference)
	if err != nil {
		return agentpayerr.New(agentpayerr.KindPaymentVerificationFail, err)
	}

	cc, err := v.dial(ctx)
	if err != nil {
		return err
	}
	defer cc.Close()

	_, raw, err := cc.Call(ctx, clearing.MethodGetAppSessions, clearing.GetAppSessionsParams{}, defaultVerifyTimeout)
	if err != nil {
		return err
	}
	var result clearing.GetAppSessionsResult
	if err := unmarshal(raw, &result); err != nil {
		return agentpayerr.New(agentpayerr.KindClearingProtocol, err)
	}

	for _, as := range result.AppSessions {
		if as.AppSessionID != appSessionID || as.Version < version {
			continue
		}
		for _, alloc := range as.Allocations {
			if strings.EqualFold(alloc.Participant, b.WorkerAddress.Hex()) &&
				strings.EqualFold(alloc.Asset, b.Asset) &&
				alloc.Amount.GreaterThanOrEqual(b.Amount) {
				return nil
			}
		}
	}
	return agentpayerr.New(agentpayerr.KindPaymentVerificationFail,
		fmt.Errorf("worker: session %s version %d does not credit %s with %s %s", appSessionID, version, b.WorkerAddress.Hex(), b.Amount, b.Asset))
}

func parseSessionReference(ref string) (string, uint64, error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 4 || parts[0] != "session" || parts[2] != "version" {
		return "", 0, fmt.Errorf("worker: malformed app_session_state reference %q", ref)
	}
	version, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("worker: malformed version in reference %q: %w", ref, err)
	}
	return parts[1], version, nil
}

func parseTxHash(ref string) (common.Hash, error) {
	if len(ref) != 66 || !strings.HasPrefix(ref, "0x") {
		return common.Hash{}, fmt.Errorf("worker: malformed channel_close reference %q", ref)
	}
	return common.HexToHash(ref), nil
}

func unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
