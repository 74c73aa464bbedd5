// Package feed is the autonomous loop's pluggable source of timeline
// items: a demo in-memory HTTP feed, and a client that polls an external
// feed URL.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Item is one timeline entry the autonomous loop's parsers scan.
type Item struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	Text     string `json:"text"`
}

// Provider returns the current ordered list of feed items.
type Provider interface {
	Fetch(ctx context.Context) ([]Item, error)
}

// Poster posts a new item onto the feed: the write side of the feed
// abstraction, used by the autonomous loop so posting an offer is a
// repeatable method call rather than a single one-shot action.
type Poster interface {
	Post(ctx context.Context, text, threadID string) error
}

// HTTPProvider polls a JSON feed endpoint (a GET returning `{"items": [...]}`),
// used when AGENTPAY_DEMO_FEED_URL points at an external feed server.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider builds a Provider backed by a GET against url.
func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: GET %s: status %d", p.url, resp.StatusCode)
	}

	var body struct {
		Items []Item `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("feed: decode response: %w", err)
	}
	return body.Items, nil
}

// Post implements Poster by POSTing to the feed URL's sibling /post endpoint.
func (p *HTTPProvider) Post(ctx context.Context, text, threadID string) error {
	postURL := strings.TrimSuffix(p.url, "/feed") + "/post"
	body, err := json.Marshal(struct {
		Text     string `json:"text"`
		ThreadID string `json:"thread_id,omitempty"`
	}{Text: text, ThreadID: threadID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feed: POST %s: status %d", postURL, resp.StatusCode)
	}
	return nil
}

// DemoServer is an in-memory feed with an HTTP surface, used by the
// `demo-feed` CLI command: posts accumulate in arrival order and are served
// back to any poller, with no persistence beyond the process's lifetime.
type DemoServer struct {
	mu    sync.Mutex
	items []Item
	next  int
}

// NewDemoServer builds an empty demo feed.
func NewDemoServer() *DemoServer {
	return &DemoServer{}
}

// Post appends text as a new item and returns it with its assigned id.
func (d *DemoServer) Post(text, threadID string) Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	item := Item{ID: fmt.Sprintf("item-%d", d.next), ThreadID: threadID, Text: text}
	d.items = append(d.items, item)
	return item
}

// Fetch implements Provider directly against the in-memory slice, so a
// DemoServer can also be polled in-process without an HTTP round trip.
func (d *DemoServer) Fetch(_ context.Context) ([]Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Item, len(d.items))
	copy(out, d.items)
	return out, nil
}

// Handler returns an http.Handler serving the current items as
// `{"items": [...]}`, for mounting as the demo-feed CLI's HTTP surface.
func (d *DemoServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		items, _ := d.Fetch(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(struct {
			Items []Item `json:"items"`
		}{Items: items}); err != nil {
			zap.L().Error("feed: encode response failed", zap.Error(err))
		}
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Text     string `json:"text"`
			ThreadID string `json:"thread_id,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		item := d.Post(body.Text, body.ThreadID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(item)
	})
	return mux
}
