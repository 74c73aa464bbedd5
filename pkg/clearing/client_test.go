package clearing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/identity"
)

const testHexKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// fakeServer is a minimal clearnode stand-in: it runs the auth handshake
// (accepting any signature, since verifying one is the server's job, not
// this client's) and then answers whatever method a test installs.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	handler  func(method string, raw json.RawMessage) (replyMethod string, payload any, errMsg string)
}

func newFakeServer(t *testing.T) (*httptest.Server, *fakeServer) {
	fs := &fakeServer{t: t}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.serve(conn)
	}))
	return ts, fs
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Req []json.RawMessage `json:"req"`
		}
		if err := json.Unmarshal(data, &env); err != nil || len(env.Req) < 3 {
			continue
		}
		var id uint64
		var method string
		_ = json.Unmarshal(env.Req[0], &id)
		_ = json.Unmarshal(env.Req[1], &method)
		raw := env.Req[2]

		switch method {
		case string(MethodAuthRequest):
			conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthChallenge), map[string]string{"challenge_message": "please-sign-me"}}})
		case string(MethodAuthVerify):
			conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthVerify), map[string]any{}}})
		default:
			if fs.handler == nil {
				conn.WriteJSON(map[string]any{"res": []any{id, "error", map[string]string{"message": "no handler installed"}}})
				continue
			}
			replyMethod, payload, errMsg := fs.handler(method, raw)
			if errMsg != "" {
				conn.WriteJSON(map[string]any{"res": []any{id, "error", map[string]string{"message": errMsg}}})
				continue
			}
			conn.WriteJSON(map[string]any{"res": []any{id, replyMethod, payload}})
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialFake(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	id, err := identity.Load(testHexKey, "client.eth")
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	c, err := Dial(context.Background(), wsURL(ts.URL), id, "agentpay", nil, "broker", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func TestDialCompletesAuthHandshake(t *testing.T) {
	ts, _ := newFakeServer(t)
	defer ts.Close()

	c := dialFake(t, ts)
	defer c.Close()
}

func TestCallReturnsCorrelatedPayload(t *testing.T) {
	ts, fs := newFakeServer(t)
	defer ts.Close()
	fs.handler = func(method string, raw json.RawMessage) (string, any, string) {
		return method, map[string]string{"answer": "ok"}, ""
	}

	c := dialFake(t, ts)
	defer c.Close()

	method, raw, err := c.Call(context.Background(), MethodGetConfig, struct{}{}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if method != string(MethodGetConfig) {
		t.Fatalf("expected method echoed back, got %q", method)
	}
	var out struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if out.Answer != "ok" {
		t.Fatalf("expected answer ok, got %q", out.Answer)
	}
}

func TestQuorumNotReachedNormalizesToPartiallySigned(t *testing.T) {
	ts, fs := newFakeServer(t)
	defer ts.Close()
	fs.handler = func(method string, raw json.RawMessage) (string, any, string) {
		return "", nil, "quorum not reached: waiting on counterparty"
	}

	c := dialFake(t, ts)
	defer c.Close()

	_, _, err := c.Call(context.Background(), MethodSubmitAppState, struct{}{}, time.Second)
	if _, ok := err.(PartiallySignedError); !ok {
		t.Fatalf("expected PartiallySignedError, got %T: %v", err, err)
	}
}

func TestQuorumNotReachedUnderErrorKeyNormalizes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upgrader websocket.Upgrader
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Req []json.RawMessage `json:"req"`
			}
			json.Unmarshal(data, &env)
			var id uint64
			var method string
			json.Unmarshal(env.Req[0], &id)
			json.Unmarshal(env.Req[1], &method)
			switch method {
			case string(MethodAuthRequest):
				conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthChallenge), map[string]string{"challenge_message": "x"}}})
			case string(MethodAuthVerify):
				conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthVerify), map[string]any{}}})
			default:
				// The error payload under its alternate "error" key.
				conn.WriteJSON(map[string]any{"res": []any{id, "error", map[string]string{"error": "quorum not reached: waiting on counterparty"}}})
			}
		}
	}))
	defer ts.Close()

	c := dialFake(t, ts)
	defer c.Close()

	_, _, err := c.Call(context.Background(), MethodSubmitAppState, struct{}{}, time.Second)
	if _, ok := err.(PartiallySignedError); !ok {
		t.Fatalf("expected PartiallySignedError from the error-key variant, got %T: %v", err, err)
	}
}

func TestOtherServerErrorsAreClearingProtocol(t *testing.T) {
	ts, fs := newFakeServer(t)
	defer ts.Close()
	fs.handler = func(method string, raw json.RawMessage) (string, any, string) {
		return "", nil, "malformed request"
	}

	c := dialFake(t, ts)
	defer c.Close()

	_, _, err := c.Call(context.Background(), MethodSubmitAppState, struct{}{}, time.Second)
	if !agentpayerr.Is(err, agentpayerr.KindClearingProtocol) {
		t.Fatalf("expected ClearingProtocol, got %v", err)
	}
}

func TestCallTimesOutWhenServerNeverReplies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upgrader websocket.Upgrader
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Answer auth, then go silent on every subsequent request.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Req []json.RawMessage `json:"req"`
			}
			json.Unmarshal(data, &env)
			var id uint64
			var method string
			json.Unmarshal(env.Req[0], &id)
			json.Unmarshal(env.Req[1], &method)
			switch method {
			case string(MethodAuthRequest):
				conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthChallenge), map[string]string{"challenge_message": "x"}}})
			case string(MethodAuthVerify):
				conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthVerify), map[string]any{}}})
			}
		}
	}))
	defer ts.Close()

	c := dialFake(t, ts)
	defer c.Close()

	_, _, err := c.Call(context.Background(), MethodGetConfig, struct{}{}, 50*time.Millisecond)
	if !agentpayerr.Is(err, agentpayerr.KindClearingTimeout) {
		t.Fatalf("expected ClearingTimeout, got %v", err)
	}
}

func TestSubscribePublishesNotificationFrames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upgrader websocket.Upgrader
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Req []json.RawMessage `json:"req"`
			}
			json.Unmarshal(data, &env)
			var id uint64
			var method string
			json.Unmarshal(env.Req[0], &id)
			json.Unmarshal(env.Req[1], &method)
			switch method {
			case string(MethodAuthRequest):
				conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthChallenge), map[string]string{"challenge_message": "x"}}})
			case string(MethodAuthVerify):
				conn.WriteJSON(map[string]any{"res": []any{id, string(MethodAuthVerify), map[string]any{}}})
			case "trigger_asu":
				conn.WriteJSON(map[string]any{"res": []any{0, string(EventAppSU), map[string]any{"app_session_id": "sid-1", "version": 2}}})
				conn.WriteJSON(map[string]any{"res": []any{id, "trigger_asu", map[string]any{}}})
			}
		}
	}))
	defer ts.Close()

	updates := make(chan json.RawMessage, 1)
	id, err := identity.Load(testHexKey, "client.eth")
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	c, err := Dial(context.Background(), wsURL(ts.URL), id, "agentpay", nil, "broker", time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	sub := c.Subscribe(EventAppSU)
	go func() {
		select {
		case raw := <-sub:
			updates <- raw
		case <-time.After(time.Second):
		}
	}()

	if _, _, err := c.Call(context.Background(), Method("trigger_asu"), struct{}{}, time.Second); err != nil {
		t.Fatalf("trigger_asu call: %v", err)
	}

	select {
	case raw := <-updates:
		var su struct {
			AppSessionID string `json:"app_session_id"`
			Version      uint64 `json:"version"`
		}
		if err := json.Unmarshal(raw, &su); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if su.AppSessionID != "sid-1" || su.Version != 2 {
			t.Fatalf("unexpected notification payload: %+v", su)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for asu notification")
	}
}
