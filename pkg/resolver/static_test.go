package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentpay/broker/pkg/agentpayerr"
)

func TestStaticNameServiceResolves(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ns := &StaticNameService{Records: map[string]Record{
		"worker.eth": {Endpoint: "http://localhost:9000", Capabilities: []string{"summarize"}, Address: addr},
	}}
	r := New(ns, nil, time.Minute)

	rec, err := r.Resolve(context.Background(), "worker.eth")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Endpoint != "http://localhost:9000" {
		t.Fatalf("unexpected endpoint %q", rec.Endpoint)
	}
	if rec.Address != addr {
		t.Fatalf("unexpected address %s", rec.Address.Hex())
	}
	if len(rec.Capabilities) != 1 || rec.Capabilities[0] != "summarize" {
		t.Fatalf("unexpected capabilities %v", rec.Capabilities)
	}
}

func TestStaticNameServiceUnknownNameFails(t *testing.T) {
	r := New(&StaticNameService{}, nil, time.Minute)
	_, err := r.Resolve(context.Background(), "ghost.eth")
	if !agentpayerr.Is(err, agentpayerr.KindNameNotFound) {
		t.Fatalf("expected NameNotFound, got %v", err)
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ns := &StaticNameService{Records: map[string]Record{
		"worker.eth": {Endpoint: "http://localhost:9000", Address: addr},
	}}
	r := New(ns, nil, time.Minute)

	if _, err := r.Resolve(context.Background(), "worker.eth"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	delete(ns.Records, "worker.eth")
	if _, err := r.Resolve(context.Background(), "worker.eth"); err != nil {
		t.Fatalf("expected cached record to survive backend deletion: %v", err)
	}
}
