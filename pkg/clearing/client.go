package clearing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/identity"
)

// inboundEnvelope covers both inbound frame shapes the client must treat
// uniformly: a correlated response/update, or an error.
type inboundEnvelope struct {
	Res   json.RawMessage  `json:"res"`
	Error *inboundErrorMsg `json:"error"`
}

// inboundErrorMsg tolerates both payload keys the clearing server uses for
// error text: {"message": ...} and {"error": ...}.
type inboundErrorMsg struct {
	Message string `json:"message"`
	Err     string `json:"error"`
	Code    int    `json:"code,omitempty"`
}

// text returns whichever error key the server populated.
func (m inboundErrorMsg) text() string {
	if m.Message != "" {
		return m.Message
	}
	return m.Err
}

// frameResult is what the reader loop hands to a waiting caller: either the
// method name and raw payload of a correlated response, or an error.
type frameResult struct {
	method  string
	payload json.RawMessage
	err     error
}

// PartiallySignedError is returned by Call when the server's "quorum
// not reached" response indicates this side's signature was accepted and the
// counterparty's is still pending: not a failure, a distinguishable
// outcome the orchestrator waits on.
type PartiallySignedError struct{}

func (PartiallySignedError) Error() string { return "quorum not reached: partially signed" }

// Client is one authenticated session actor: a single reader goroutine
// dispatches inbound frames to a correlation table of waiting callers, and
// at most one request per id is outstanding at a time. Multiple Clients
// (e.g. the two sides of a two-party app session) run concurrently and
// independently, one per connection.
type Client struct {
	conn      *websocket.Conn
	id        *identity.Identity
	ephemeral *identity.EphemeralKey
	appName   string

	nextID uint64

	mu      sync.Mutex
	waiters map[uint64]chan frameResult

	notifyMu sync.Mutex
	notify   map[Event][]chan json.RawMessage

	closed atomic.Bool
}

// Dial opens a websocket connection and runs the auth handshake:
// auth_request -> auth_challenge -> EIP-712 signature -> auth_verify.
func Dial(ctx context.Context, url string, id *identity.Identity, appName string, allowances map[string]string, scope string, timeout time.Duration) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindClearingTimeout, err)
	}

	ephemeral, err := id.NewEphemeralKey()
	if err != nil {
		conn.Close()
		return nil, agentpayerr.New(agentpayerr.KindIdentityUnavailable, err)
	}

	c := &Client{
		conn:      conn,
		id:        id,
		ephemeral: ephemeral,
		appName:   appName,
		waiters:   make(map[uint64]chan frameResult),
		notify:    make(map[Event][]chan json.RawMessage),
	}
	go c.readLoop()

	if err := c.authenticate(ctx, allowances, scope, timeout); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

type authRequestParams struct {
	IdentityAddress     string            `json:"identity_address"`
	ApplicationName     string            `json:"application_name"`
	EphemeralKeyAddress string            `json:"ephemeral_key_address"`
	Allowances          map[string]string `json:"allowances,omitempty"`
	ExpiresAt           int64             `json:"expires_at"`
	Scope               string            `json:"scope"`
}

type authChallengeResult struct {
	ChallengeMessage string `json:"challenge_message"`
}

func (c *Client) authenticate(ctx context.Context, allowances map[string]string, scope string, timeout time.Duration) error {
	params := authRequestParams{
		IdentityAddress:     c.id.Address.Hex(),
		ApplicationName:     c.appName,
		EphemeralKeyAddress: c.ephemeral.Address.Hex(),
		Allowances:          allowances,
		ExpiresAt:           time.Now().Add(time.Hour).Unix(),
		Scope:               scope,
	}

	method, raw, err := c.callUnsigned(ctx, MethodAuthRequest, params, timeout)
	if err != nil {
		return agentpayerr.New(agentpayerr.KindClearingAuthRejected, err)
	}
	if method != string(MethodAuthChallenge) {
		return agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("expected auth_challenge, got %q", method))
	}

	var challenge authChallengeResult
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return agentpayerr.New(agentpayerr.KindClearingProtocol, err)
	}

	sig, err := c.id.EIP712Sign(c.appName, challenge.ChallengeMessage, scope, c.ephemeral.Address)
	if err != nil {
		return agentpayerr.New(agentpayerr.KindClearingAuthRejected, err)
	}

	verifyMethod, _, err := c.callUnsigned(ctx, MethodAuthVerify, map[string]string{
		"challenge_message": challenge.ChallengeMessage,
		"signature":         "0x" + fmt.Sprintf("%x", sig),
	}, timeout)
	if err != nil {
		return agentpayerr.New(agentpayerr.KindClearingAuthRejected, err)
	}
	if verifyMethod != string(MethodAuthVerify) {
		return agentpayerr.New(agentpayerr.KindClearingAuthRejected, fmt.Errorf("auth not verified, got %q", verifyMethod))
	}
	return nil
}

// readLoop is the single reader for this connection. It demultiplexes every
// inbound frame to either a waiting caller (by correlation id embedded in
// "res") or a notification subscriber (asu/bu/channels/assets).
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAllWaiters(agentpayerr.New(agentpayerr.KindClearingProtocol, err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		zap.L().Warn("clearing: malformed frame, dropping", zap.Error(err))
		return
	}

	if env.Error != nil {
		// An error frame carries no correlation id in this shape; surface it
		// to whichever waiter is oldest. The server uses two inconsistent
		// error envelopes and both must be tolerated.
		c.failOldestWaiter(normalizeClearingError(env.Error.text()))
		return
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(env.Res, &tuple); err != nil || len(tuple) < 3 {
		zap.L().Warn("clearing: unrecognised res shape, dropping")
		return
	}

	var id uint64
	var method string
	_ = json.Unmarshal(tuple[0], &id)
	_ = json.Unmarshal(tuple[1], &method)
	payload := tuple[2]

	if method == "error" {
		var em inboundErrorMsg
		if len(tuple) > 2 {
			_ = json.Unmarshal(tuple[2], &em)
		}
		c.resolveWaiter(id, frameResult{err: normalizeClearingError(em.text())})
		return
	}

	switch Event(method) {
	case EventAppSU, EventBU, EventChannels, EventAssets:
		c.publish(Event(method), payload)
	}

	c.resolveWaiter(id, frameResult{method: method, payload: payload})
}

// normalizeClearingError recognises the "quorum not reached" message as a
// distinguishable PartiallySigned outcome rather than a protocol failure:
// it means this side's signature was accepted and the counterparty's is
// still pending.
func normalizeClearingError(msg string) error {
	if strings.Contains(strings.ToLower(msg), "quorum not reached") {
		return PartiallySignedError{}
	}
	return agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("%s", msg))
}

func (c *Client) resolveWaiter(id uint64, res frameResult) {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

// failOldestWaiter handles the bare {error:{message}} shape, which carries
// no id. In practice at most one call is outstanding per logical operation,
// so routing to the oldest pending waiter is correct.
func (c *Client) failOldestWaiter(err error) {
	c.mu.Lock()
	var oldestID uint64
	var found bool
	for id := range c.waiters {
		if !found || id < oldestID {
			oldestID, found = id, true
		}
	}
	var ch chan frameResult
	if found {
		ch = c.waiters[oldestID]
		delete(c.waiters, oldestID)
	}
	c.mu.Unlock()
	if ch != nil {
		ch <- frameResult{err: err}
	}
}

func (c *Client) failAllWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[uint64]chan frameResult)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- frameResult{err: err}
	}
}

// publish fans a notification frame out to subscribers registered via
// Subscribe. Unknown methods never terminate the session; they are dropped
// here.
func (c *Client) publish(ev Event, payload json.RawMessage) {
	c.notifyMu.Lock()
	subs := append([]chan json.RawMessage(nil), c.notify[ev]...)
	c.notifyMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribe returns a channel that receives every future payload for ev.
func (c *Client) Subscribe(ev Event) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 8)
	c.notifyMu.Lock()
	c.notify[ev] = append(c.notify[ev], ch)
	c.notifyMu.Unlock()
	return ch
}

// Call sends method with params, signs the frame with the ephemeral key, and
// waits for the correlated response or timeout.
func (c *Client) Call(ctx context.Context, method Method, params any, timeout time.Duration) (string, json.RawMessage, error) {
	return c.call(ctx, method, params, timeout, true)
}

// callUnsigned is used only for auth_request/auth_verify, which precede
// ephemeral-key signing being meaningful to the server.
func (c *Client) callUnsigned(ctx context.Context, method Method, params any, timeout time.Duration) (string, json.RawMessage, error) {
	return c.call(ctx, method, params, timeout, false)
}

func (c *Client) call(ctx context.Context, method Method, params any, timeout time.Duration, signed bool) (string, json.RawMessage, error) {
	if c.closed.Load() {
		return "", nil, agentpayerr.New(agentpayerr.KindClearingProtocol, fmt.Errorf("connection closed"))
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ts := time.Now().Unix()

	payloadBytes, err := json.Marshal(params)
	if err != nil {
		return "", nil, err
	}

	var sig string
	if signed {
		digest, _ := json.Marshal([]any{id, method, params, ts})
		s, err := c.ephemeral.Sign(digest)
		if err != nil {
			return "", nil, err
		}
		sig = "0x" + fmt.Sprintf("%x", s)
	}

	frame := map[string]any{
		"req": []any{id, string(method), json.RawMessage(payloadBytes), ts, sig},
	}

	ch := make(chan frameResult, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(frame); err != nil {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return "", nil, agentpayerr.New(agentpayerr.KindClearingProtocol, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", nil, res.err
		}
		return res.method, res.payload, nil
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		c.closeWithCode(websocket.CloseNormalClosure)
		if ctx.Err() != nil {
			return "", nil, agentpayerr.New(agentpayerr.KindCancelled, ctx.Err())
		}
		return "", nil, agentpayerr.New(agentpayerr.KindClearingTimeout, callCtx.Err())
	}
}

// Close shuts the connection down cleanly (code 1000) and drops pending
// waiters with Cancelled.
func (c *Client) Close() error {
	c.closeWithCode(websocket.CloseNormalClosure)
	return nil
}

func (c *Client) closeWithCode(code int) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.failAllWaiters(agentpayerr.New(agentpayerr.KindCancelled, nil))
}
