// Package clearing implements the Clearing-Network Client: a long-lived
// authenticated websocket session to the clearing network, with signed-
// message framing and request/response correlation. Method and event names,
// and the payload shapes below, follow the clearnode RPC contract
// (NitroRPC/0.2).
package clearing

import "github.com/shopspring/decimal"

// Method is an outbound RPC method name.
type Method string

const (
	MethodAuthRequest       Method = "auth_request"
	MethodAuthChallenge     Method = "auth_challenge"
	MethodAuthVerify        Method = "auth_verify"
	MethodGetConfig         Method = "get_config"
	MethodGetAssets         Method = "get_assets"
	MethodGetChannels       Method = "get_channels"
	MethodGetLedgerBalances Method = "get_ledger_balances"
	MethodGetAppSessions    Method = "get_app_sessions"
	MethodCreateChannel     Method = "create_channel"
	MethodResizeChannel     Method = "resize_channel"
	MethodCloseChannel      Method = "close_channel"
	MethodTransfer          Method = "transfer"
	MethodCreateAppSession  Method = "create_app_session"
	MethodSubmitAppState    Method = "submit_app_state"
	MethodCloseAppSession   Method = "close_app_session"
)

// Event is an unsolicited notification method name: a frame the server may
// push without a matching outbound request.
type Event string

const (
	EventChannels Event = "channels"
	EventAppSU    Event = "asu" // app session update
	EventBU       Event = "bu"  // balance update
	EventAssets   Event = "assets"
)

// ChannelStatus mirrors the on-chain channel lifecycle as reported by the
// clearing server.
type ChannelStatus string

const (
	ChannelOpen   ChannelStatus = "open"
	ChannelClosed ChannelStatus = "closed"
)

// Channel is the clearing server's view of a bilateral custody channel.
type Channel struct {
	ChannelID string          `json:"channel_id"`
	ChainID   int64           `json:"chain_id"`
	Token     string          `json:"token"`
	Status    ChannelStatus   `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Version   uint64          `json:"version"`
}

// StateIntent labels the purpose of an unsigned state the server asks the
// caller to countersign.
type StateIntent string

const (
	IntentInitialize StateIntent = "initialize"
	IntentOperate    StateIntent = "operate"
	IntentFinalize   StateIntent = "finalize"
)

// StateAllocation is one participant's balance within a channel or app
// session state.
type StateAllocation struct {
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// UnsignedState is a state payload the client must sign and resubmit (or
// submit on-chain) before the server treats an operation as final.
type UnsignedState struct {
	Intent      StateIntent       `json:"intent"`
	Version     uint64            `json:"version"`
	Allocations []StateAllocation `json:"allocations"`
	ChannelID   string            `json:"channel_id,omitempty"`
}

// CreateChannelParams requests creation of a new channel.
type CreateChannelParams struct {
	ChainID int64  `json:"chain_id"`
	Token   string `json:"token"`
}

// CreateChannelResult is the server's reply to create_channel.
type CreateChannelResult struct {
	ChannelID     string        `json:"channel_id"`
	Channel       Channel       `json:"channel"`
	UnsignedState UnsignedState `json:"state"`
	ServerSig     string        `json:"server_signature"`
}

// TransferParams moves funds from the caller's unified balance to destination.
type TransferParams struct {
	Destination string            `json:"destination"`
	Allocations []StateAllocation `json:"allocations"`
}

// CloseChannelParams requests a channel close.
type CloseChannelParams struct {
	ChannelID   string `json:"channel_id"`
	Destination string `json:"destination"`
}

// CloseChannelResult carries the final state to submit on-chain.
type CloseChannelResult struct {
	ChannelID  string        `json:"channel_id"`
	FinalState UnsignedState `json:"final_state"`
	ServerSig  string        `json:"server_signature"`
}

// AppDefinition describes a new application session at creation time.
type AppDefinition struct {
	Application       string   `json:"application"`
	ProtocolVersion   string   `json:"protocol_version"`
	Participants      []string `json:"participants"`
	Weights           []int    `json:"weights"`
	Quorum            int      `json:"quorum"`
	ChallengeDuration int64    `json:"challenge_duration"`
	Nonce             int64    `json:"nonce"`
}

// CreateAppSessionParams is the create_app_session request payload.
type CreateAppSessionParams struct {
	Definition  AppDefinition     `json:"definition"`
	Allocations []StateAllocation `json:"allocations"`
}

// AppSession is the clearing server's view of an application session.
type AppSession struct {
	AppSessionID string            `json:"app_session_id"`
	Definition   AppDefinition     `json:"definition"`
	Version      uint64            `json:"version"`
	Status       ChannelStatus     `json:"status"`
	Allocations  []StateAllocation `json:"allocations"`
}

// SubmitAppStateParams submits a new signed state for an app session.
type SubmitAppStateParams struct {
	AppSessionID string            `json:"app_session_id"`
	Intent       StateIntent       `json:"intent"`
	Version      uint64            `json:"version"`
	Allocations  []StateAllocation `json:"allocations"`
}

// CloseAppSessionParams closes an app session with a final allocation.
type CloseAppSessionParams struct {
	AppSessionID     string            `json:"app_session_id"`
	FinalAllocations []StateAllocation `json:"final_allocations"`
}

// GetAppSessionsParams filters get_app_sessions by participant.
type GetAppSessionsParams struct {
	Participant string `json:"participant,omitempty"`
}

// GetAppSessionsResult is the reply to get_app_sessions.
type GetAppSessionsResult struct {
	AppSessions []AppSession `json:"app_sessions"`
}

// GetChannelsResult is the reply to get_channels / the unsolicited channels
// snapshot emitted right after auth.
type GetChannelsResult struct {
	Channels []Channel `json:"channels"`
}
