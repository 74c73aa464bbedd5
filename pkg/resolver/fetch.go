package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/kubo/client/rpc"
	"go.uber.org/zap"
)

// DocumentFetcher resolves a price-table reference (an ipfs:// URI or a
// plain https:// URL) to its raw bytes, dispatching on URI scheme over
// swappable backends (IPFS via kubo's HTTP API, or a plain HTTP GET) rather
// than a single fixed transport.
type DocumentFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ipfsPrefix marks a content-addressed document reference.
const ipfsPrefix = "ipfs://"

// Client dispatches a document reference to the IPFS kubo client or a plain
// HTTP GET, depending on its URI scheme.
type Client struct {
	ipfs *rpc.HttpApi
	http *http.Client
}

// NewClient builds a fetcher. ipfsGatewayURL may be empty, in which case
// ipfs:// references fail with a configuration error rather than panicking.
func NewClient(ipfsGatewayURL string) *Client {
	c := &Client{http: &http.Client{Timeout: 10 * time.Second}}
	if ipfsGatewayURL == "" {
		return c
	}
	api, err := rpc.NewURLApiWithClient(ipfsGatewayURL, &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		zap.L().Warn("resolver: ipfs client init failed, ipfs:// references will error", zap.Error(err))
		return c
	}
	c.ipfs = api
	return c
}

// Fetch retrieves ref's content, dispatching on scheme.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, ipfsPrefix):
		return c.fetchIPFS(ctx, strings.TrimPrefix(ref, ipfsPrefix))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return c.fetchHTTP(ctx, ref)
	default:
		return nil, fmt.Errorf("resolver: unsupported document reference %q", ref)
	}
}

func (c *Client) fetchIPFS(ctx context.Context, hash string) ([]byte, error) {
	if c.ipfs == nil {
		return nil, fmt.Errorf("resolver: ipfs gateway not configured")
	}
	cID, err := cid.Parse(hash)
	if err != nil {
		return nil, fmt.Errorf("resolver: parse ipfs hash %q: %w", hash, err)
	}
	req := c.ipfs.Request("cat", cID.String())
	resp, err := req.Send(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolver: ipfs cat: %w", err)
	}
	defer resp.Close()
	if resp.Error != nil {
		return nil, resp.Error
	}
	return io.ReadAll(resp.Output)
}

func (c *Client) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	if _, err := url.Parse(ref); err != nil {
		return nil, fmt.Errorf("resolver: invalid document url %q: %w", ref, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver: fetch %s: status %d", ref, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
