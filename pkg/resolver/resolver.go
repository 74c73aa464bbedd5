// Package resolver turns a human-readable name into the worker's endpoint,
// capability list, price table, and wallet address. The lookup is two hops:
// a NameService (ENS-style text records) yields the endpoint, address, and
// a price-table document reference, and the referenced document is then
// fetched over plain HTTP or, for ipfs:// URIs, via the IPFS client in
// fetch.go.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/agentpayerr"
)

// Record is what the broker reads for a name: the agentpay.endpoint /
// agentpay.capabilities / agentpay.prices text records plus the canonical
// address record.
type Record struct {
	Endpoint     string
	Capabilities []string
	PriceTable   map[string]string // task_type -> quoted price
	Address      common.Address
}

// NameService performs the on-chain/off-chain text-record lookups. The
// production implementation talks to an ENS-like resolver contract; tests
// inject a fake.
type NameService interface {
	TextRecord(ctx context.Context, name, key string) (string, error)
	AddressRecord(ctx context.Context, name string) (common.Address, error)
}

const (
	keyEndpoint     = "agentpay.endpoint"
	keyCapabilities = "agentpay.capabilities"
	keyPrices       = "agentpay.prices"
)

// cacheEntry holds a resolved Record together with its expiry.
type cacheEntry struct {
	record  Record
	expires time.Time
}

// Resolver caches resolutions in memory for a bounded TTL, since name lookups
// cross a network boundary and most workflows resolve the same handful of
// names repeatedly within a session.
type Resolver struct {
	ns      NameService
	fetcher DocumentFetcher
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds a Resolver backed by ns for on-chain records and fetcher for
// off-chain documents, caching results for ttl.
func New(ns NameService, fetcher DocumentFetcher, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{ns: ns, fetcher: fetcher, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Resolve looks up name, consulting the in-memory cache first.
func (r *Resolver) Resolve(ctx context.Context, name string) (Record, error) {
	if rec, ok := r.cached(name); ok {
		return rec, nil
	}

	endpoint, err := r.ns.TextRecord(ctx, name, keyEndpoint)
	if err != nil || endpoint == "" {
		return Record{}, agentpayerr.New(agentpayerr.KindNameNotFound, err)
	}

	addr, err := r.ns.AddressRecord(ctx, name)
	if err != nil {
		return Record{}, agentpayerr.New(agentpayerr.KindRecordMissing, err)
	}

	capsRaw, err := r.ns.TextRecord(ctx, name, keyCapabilities)
	if err != nil {
		return Record{}, agentpayerr.New(agentpayerr.KindRecordMissing, err)
	}
	caps := splitAndTrim(capsRaw)

	priceRef, err := r.ns.TextRecord(ctx, name, keyPrices)
	if err != nil {
		return Record{}, agentpayerr.New(agentpayerr.KindRecordMissing, err)
	}

	prices, err := r.fetchPriceTable(ctx, priceRef)
	if err != nil {
		zap.L().Warn("resolver: price table fetch failed, continuing without it",
			zap.String("name", name), zap.Error(err))
		prices = map[string]string{}
	}

	rec := Record{Endpoint: endpoint, Capabilities: caps, PriceTable: prices, Address: addr}
	r.store(name, rec)
	return rec, nil
}

func (r *Resolver) cached(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[name]
	if !ok || time.Now().After(e.expires) {
		return Record{}, false
	}
	return e.record, true
}

func (r *Resolver) store(name string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = cacheEntry{record: rec, expires: time.Now().Add(r.ttl)}
}

func (r *Resolver) fetchPriceTable(ctx context.Context, ref string) (map[string]string, error) {
	if ref == "" {
		return map[string]string{}, nil
	}
	raw, err := r.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	var table map[string]string
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("resolver: decode price table: %w", err)
	}
	return table, nil
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StaticNameService serves a fixed record set without any name-service
// lookup, for demos and tests where the counterparty's endpoint and address
// are supplied directly (e.g. via WORKER_ADDRESS) instead of registered
// under a name.
type StaticNameService struct {
	Records map[string]Record
}

// TextRecord implements NameService.
func (s *StaticNameService) TextRecord(_ context.Context, name, key string) (string, error) {
	rec, ok := s.Records[name]
	if !ok {
		return "", agentpayerr.New(agentpayerr.KindNameNotFound, fmt.Errorf("resolver: no static record for %q", name))
	}
	switch key {
	case keyEndpoint:
		return rec.Endpoint, nil
	case keyCapabilities:
		return strings.Join(rec.Capabilities, ","), nil
	case keyPrices:
		return "", nil
	}
	return "", agentpayerr.New(agentpayerr.KindRecordMissing, fmt.Errorf("resolver: unknown record key %q", key))
}

// AddressRecord implements NameService.
func (s *StaticNameService) AddressRecord(_ context.Context, name string) (common.Address, error) {
	rec, ok := s.Records[name]
	if !ok {
		return common.Address{}, agentpayerr.New(agentpayerr.KindNameNotFound, fmt.Errorf("resolver: no static record for %q", name))
	}
	return rec.Address, nil
}
