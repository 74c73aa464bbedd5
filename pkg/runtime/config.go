// Package runtime holds the process-wide configuration and the Runtime value
// that threads it, together with the identity and logger, through the
// rest of the broker. See Config.Validate and Timeouts.WithDefaults for
// defaulting behaviour.
package runtime

import (
	"fmt"
	"os"
	"time"

	"github.com/agentpay/broker/pkg/agentpayerr"
)

// Config holds everything derived from the environment at startup.
type Config struct {
	// PrivateKey is the hex-encoded identity signing key (CLIENT_PRIVATE_KEY).
	PrivateKey string
	// ENSName is this identity's registered human-readable name (AGENTPAY_ENS_NAME).
	ENSName string
	// Endpoint is the HTTP address this process's worker server is reachable at
	// (AGENTPAY_ENDPOINT).
	Endpoint string
	// DemoFeedURL overrides the feed source (AGENTPAY_DEMO_FEED_URL).
	DemoFeedURL string
	// PaymentMethod selects the default orchestrator path: "channel" or
	// "app_session" (AGENTPAY_PAYMENT_METHOD).
	PaymentMethod string
	// StatusFile is where the worker writes its status document
	// (AGENTPAY_STATUS_FILE). Empty disables status observability.
	StatusFile string
	// RPCURL is the settlement-chain JSON-RPC endpoint (RPC_URL).
	RPCURL string
	// ClearingURL is the clearing-network websocket endpoint.
	ClearingURL string
	// ListenAddr is the worker server's bind address.
	ListenAddr string
	// ENSRegistry is the ENS registry contract address used to resolve
	// agentpay.* text records (AGENTPAY_ENS_REGISTRY). Defaults to the
	// canonical mainnet registry address.
	ENSRegistry string
	// CustodyAddress is the settlement-chain custody contract address
	// (AGENTPAY_CUSTODY_ADDRESS).
	CustodyAddress string
	// WorkerPrivateKey is the counterparty's identity key in single-process
	// demos (WORKER_PRIVATE_KEY): when set, the client command countersigns
	// app-session states on the worker's behalf instead of expecting a live
	// counterparty process.
	WorkerPrivateKey string
	// WorkerAddress is the counterparty's wallet address in demos
	// (WORKER_ADDRESS), used with a fixed endpoint to skip name resolution.
	WorkerAddress string

	Timeouts Timeouts
}

// defaultENSRegistry is ENS's canonical mainnet registry contract address.
const defaultENSRegistry = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"

// Timeouts controls broker operation deadlines. Zero values are replaced by
// defaults in WithDefaults.
type Timeouts struct {
	ClearingDial    time.Duration // websocket dial/auth handshake
	ClearingCall    time.Duration // a single request/response RPC over clearing
	ChainSubmit     time.Duration // submit an on-chain transaction
	ChainReceipt    time.Duration // await an on-chain receipt
	HirerInitial    time.Duration // initial POST /job
	HirerPaid       time.Duration // paid re-POST /job (work execution)
	StrategyRefresh time.Duration
}

// WithDefaults returns a copy of t with zero fields replaced by defaults.
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.ClearingDial == 0 {
		tt.ClearingDial = 20 * time.Second
	}
	if tt.ClearingCall == 0 {
		tt.ClearingCall = 30 * time.Second
	}
	if tt.ChainSubmit == 0 {
		tt.ChainSubmit = 25 * time.Second
	}
	if tt.ChainReceipt == 0 {
		tt.ChainReceipt = 90 * time.Second
	}
	if tt.HirerInitial == 0 {
		tt.HirerInitial = 30 * time.Second
	}
	if tt.HirerPaid == 0 {
		tt.HirerPaid = 120 * time.Second
	}
	if tt.StrategyRefresh == 0 {
		tt.StrategyRefresh = 15 * time.Second
	}
	return tt
}

// Validate fills implicit defaults and checks required fields.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return agentpayerr.New(agentpayerr.KindConfigInvalid, fmt.Errorf("CLIENT_PRIVATE_KEY is required"))
	}
	if c.ClearingURL == "" {
		return agentpayerr.New(agentpayerr.KindConfigInvalid, fmt.Errorf("clearing network URL is required"))
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9000"
	}
	if c.PaymentMethod == "" {
		c.PaymentMethod = "channel"
	}
	if c.ENSRegistry == "" {
		c.ENSRegistry = defaultENSRegistry
	}
	c.Timeouts = c.Timeouts.WithDefaults()
	return nil
}

// FromEnv builds a Config from the environment variables named in the
// external-interfaces contract. It does not call Validate.
func FromEnv() *Config {
	return &Config{
		PrivateKey:       os.Getenv("CLIENT_PRIVATE_KEY"),
		ENSName:          os.Getenv("AGENTPAY_ENS_NAME"),
		Endpoint:         os.Getenv("AGENTPAY_ENDPOINT"),
		DemoFeedURL:      os.Getenv("AGENTPAY_DEMO_FEED_URL"),
		PaymentMethod:    os.Getenv("AGENTPAY_PAYMENT_METHOD"),
		StatusFile:       os.Getenv("AGENTPAY_STATUS_FILE"),
		RPCURL:           os.Getenv("RPC_URL"),
		ClearingURL:      os.Getenv("AGENTPAY_CLEARING_URL"),
		ListenAddr:       os.Getenv("AGENTPAY_LISTEN_ADDR"),
		ENSRegistry:      os.Getenv("AGENTPAY_ENS_REGISTRY"),
		CustodyAddress:   os.Getenv("AGENTPAY_CUSTODY_ADDRESS"),
		WorkerPrivateKey: os.Getenv("WORKER_PRIVATE_KEY"),
		WorkerAddress:    os.Getenv("WORKER_ADDRESS"),
	}
}
