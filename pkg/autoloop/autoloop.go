package autoloop

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/feed"
)

// defaultSeenCap bounds the dedup LRU so a long-running loop does not grow
// memory without bound.
const defaultSeenCap = 1024

// OnOffer is invoked for each feed item that parses as an offer.
type OnOffer func(item feed.Item, offer Offer)

// OnAccept is invoked for each feed item that parses as an accept.
type OnAccept func(item feed.Item, accept Accept)

// Loop polls a feed.Provider on an interval, dedupes items by id against a
// bounded LRU, and dispatches parsed offers/accepts to callbacks.
type Loop struct {
	provider feed.Provider
	onOffer  OnOffer
	onAccept OnAccept
	interval time.Duration
	poster   feed.Poster

	mu   sync.Mutex
	seen map[string]*list.Element
	lru  *list.List
	cap  int
}

// WithPoster attaches a feed.Poster this Loop can post new offers through,
// enabling PostOffer. Returns l for chaining.
func (l *Loop) WithPoster(p feed.Poster) *Loop {
	l.poster = p
	return l
}

// PostOffer posts text as a new offer onto the feed this Loop watches.
// Callable any number of times; whether a deployment posts once or
// repeatedly is up to the caller.
func (l *Loop) PostOffer(ctx context.Context, text string) error {
	if l.poster == nil {
		return fmt.Errorf("autoloop: no poster configured for this loop")
	}
	return l.poster.Post(ctx, text, "")
}

// New builds a Loop. interval <= 0 defaults to 5 seconds, per a reasonable
// demo-scale poll cadence.
func New(provider feed.Provider, onOffer OnOffer, onAccept OnAccept, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Loop{
		provider: provider,
		onOffer:  onOffer,
		onAccept: onAccept,
		interval: interval,
		seen:     make(map[string]*list.Element),
		lru:      list.New(),
		cap:      defaultSeenCap,
	}
}

// Run polls until ctx is cancelled. Cancellation is observed between
// polls, not mid-poll.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

func (l *Loop) pollOnce(ctx context.Context) {
	items, err := l.provider.Fetch(ctx)
	if err != nil {
		zap.L().Warn("autoloop: feed fetch failed", zap.Error(err))
		return
	}
	for _, item := range items {
		if l.markSeen(item.ID) {
			continue
		}
		l.dispatch(item)
	}
}

// markSeen reports whether id has already been processed, recording it if
// not. Eviction is least-recently-inserted once the cap is reached.
func (l *Loop) markSeen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return true
	}
	elem := l.lru.PushBack(id)
	l.seen[id] = elem
	if l.lru.Len() > l.cap {
		oldest := l.lru.Front()
		l.lru.Remove(oldest)
		delete(l.seen, oldest.Value.(string))
	}
	return false
}

func (l *Loop) dispatch(item feed.Item) {
	if offer, ok := ParseOffer(item.Text); ok {
		if l.onOffer != nil {
			l.onOffer(item, offer)
		}
		return
	}
	if accept, ok := ParseAccept(item.Text); ok {
		if l.onAccept != nil {
			l.onAccept(item, accept)
		}
	}
}

// WorkerState is the worker's position in the autonomous loop:
// idle -> offer_seen -> accept_sent -> job_received -> working -> completed -> idle.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerOfferSeen  WorkerState = "offer_seen"
	WorkerAcceptSent WorkerState = "accept_sent"
	WorkerJobRecv    WorkerState = "job_received"
	WorkerWorking    WorkerState = "working"
	WorkerCompleted  WorkerState = "completed"
)

// transitions enumerates the legal worker-side state machine edges.
var transitions = map[WorkerState]map[WorkerState]bool{
	WorkerIdle:       {WorkerOfferSeen: true},
	WorkerOfferSeen:  {WorkerAcceptSent: true, WorkerIdle: true},
	WorkerAcceptSent: {WorkerJobRecv: true, WorkerIdle: true},
	WorkerJobRecv:    {WorkerWorking: true},
	WorkerWorking:    {WorkerCompleted: true},
	WorkerCompleted:  {WorkerIdle: true},
}

// WorkerMachine tracks a single worker's position in the autonomous-loop
// state machine, guarding transitions against out-of-order events (e.g. a
// job arriving before an offer was ever seen).
type WorkerMachine struct {
	mu    sync.Mutex
	state WorkerState
}

// NewWorkerMachine starts a machine in the idle state.
func NewWorkerMachine() *WorkerMachine {
	return &WorkerMachine{state: WorkerIdle}
}

// State returns the machine's current state.
func (m *WorkerMachine) State() WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to next, rejecting edges not present in the
// state machine.
func (m *WorkerMachine) Transition(next WorkerState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !transitions[m.state][next] {
		return false
	}
	m.state = next
	return true
}
