// Package dispatch decouples gateway callbacks from event handling.
// Callbacks convert each event to a typed record and enqueue it on an
// unbounded per-family FIFO; one worker per family consumes sequentially,
// so arrival order is preserved within a family and no ordering exists
// across families. Enqueue never blocks.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Family identifies an event queue.
type Family string

const (
	FamilyVoiceState    Family = "voice_state"
	FamilyChannelUpdate Family = "channel_update"
	FamilyMessage       Family = "message"
	FamilyReaction      Family = "reaction"
	FamilyMemberUpdate  Family = "member_update"
)

// Families lists every queue the dispatcher runs.
var Families = []Family{
	FamilyVoiceState,
	FamilyChannelUpdate,
	FamilyMessage,
	FamilyReaction,
	FamilyMemberUpdate,
}

// VoiceStateEvent is one voice transition. Empty FromChannelID means the
// user was not in voice before; empty ToChannelID means they disconnected.
type VoiceStateEvent struct {
	UserID        string
	GuildID       string
	FromChannelID string
	ToChannelID   string
	At            time.Time
}

// ChannelUpdateEvent reports a channel mutation on the platform.
type ChannelUpdateEvent struct {
	ChannelID string
	GuildID   string
	Name      string
	Position  int
	At        time.Time
}

// MessageEvent covers message create/update/delete.
type MessageEvent struct {
	Kind      string // "create", "update", "delete"
	MessageID string
	ChannelID string
	GuildID   string
	AuthorID  string
	At        time.Time
}

// ReactionEvent covers reaction add/remove.
type ReactionEvent struct {
	Kind      string // "add", "remove"
	MessageID string
	ChannelID string
	GuildID   string
	UserID    string
	Emoji     string
	At        time.Time
}

// MemberUpdateEvent reports nickname/role changes.
type MemberUpdateEvent struct {
	GuildID  string
	UserID   string
	Nickname string
	At       time.Time
}

// Handler consumes events of one family.
type Handler func(ctx context.Context, event any)

// queue is an unbounded FIFO guarded by a condition variable.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
	busy   bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(item any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *queue) pop() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
	q.cond.Broadcast()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.busy = true
	return item, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// idle reports whether the queue is empty with no item in flight.
func (q *queue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && !q.busy
}

// Dispatcher owns the per-family queues and workers.
type Dispatcher struct {
	queues   map[Family]*queue
	handlers map[Family]Handler
	logger   *slog.Logger

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a dispatcher with one queue per family.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queues:   make(map[Family]*queue, len(Families)),
		handlers: make(map[Family]Handler),
		logger:   logger.With("component", "dispatch"),
	}
	for _, f := range Families {
		d.queues[f] = newQueue()
	}
	return d
}

// Register sets the handler for a family. Must be called before Start.
func (d *Dispatcher) Register(family Family, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[family] = h
}

// Enqueue appends an event to its family queue without blocking.
func (d *Dispatcher) Enqueue(family Family, event any) {
	q, ok := d.queues[family]
	if !ok {
		d.logger.Warn("enqueue to unknown family", "family", family)
		return
	}
	q.push(event)
}

// Start launches one worker goroutine per family.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for _, f := range Families {
		family := f
		q := d.queues[family]
		h := d.handlers[family]
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				event, ok := q.pop()
				if !ok {
					return
				}
				if h == nil {
					continue
				}
				h(ctx, event)
			}
		}()
	}
	d.logger.Info("dispatcher started", "families", len(Families))
}

// Drain waits until every queue is empty and idle, or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		allIdle := true
		for _, q := range d.queues {
			if !q.idle() {
				allIdle = false
				break
			}
		}
		if allIdle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop closes all queues and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	for _, q := range d.queues {
		q.close()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}
