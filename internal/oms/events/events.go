// Package events implements the per-account event outbox and in-process
// WS fan-out ring buffer of SPEC_FULL.md §4.7. Every state change the
// dispatcher/executor/reconciler records is wrapped in a CloudEvents
// envelope (grounded on the teacher's own use of
// github.com/cloudevents/sdk-go/v2/event.Event as its cross-boundary
// message type) and kept in a bounded per-account buffer that ws_pull_events
// drains.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cloudeventsdk "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store"
)

// DefaultBufferSize bounds the in-memory ring per account, per spec.md §4.7.
const DefaultBufferSize = 5000

// Envelope is one ring-buffer entry: the CloudEvents-wrapped payload plus
// the monotonic sequence number ws_pull_events/ws_tail_id key off of.
type Envelope struct {
	Seq         int64                `json:"seq"`
	Event       cloudeventsdk.Event  `json:"event"`
	Namespace   model.EventNamespace `json:"namespace"`
	Type        string               `json:"type"`
	PayloadJSON []byte               `json:"payload"`
}

type ring struct {
	mu      sync.Mutex
	items   []Envelope
	nextSeq int64
}

// Bus publishes events to the durable outbox (via store.EventStore) and
// fans them out into a bounded per-account ring buffer for ws_pull_events.
type Bus struct {
	store      store.Store
	bufferSize int

	mu    sync.Mutex
	rings map[int64]*ring
}

// NewBus builds a Bus. bufferSize <= 0 defaults to DefaultBufferSize.
func NewBus(s store.Store, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{store: s, bufferSize: bufferSize, rings: make(map[int64]*ring)}
}

// Publish persists eventType to the durable outbox inside tx and fans it
// out into accountID's in-memory ring for WS subscribers. Callers run this
// inside the same transaction as the state change it describes; on a
// caller rollback the outbox row rolls back too, but the ring push is not
// transactional and will have already happened. That tradeoff favors WS
// subscribers seeing events promptly over perfect outbox/ring consistency,
// since a rolled-back command also marks itself failed and the ring entry
// describes what was attempted rather than a committed ledger fact.
func (b *Bus) Publish(ctx context.Context, tx store.Tx, accountID int64, namespace model.EventNamespace, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload for %s: %w", eventType, err)
	}
	if _, err := b.store.InsertEvent(ctx, tx, accountID, namespace, eventType, raw); err != nil {
		return fmt.Errorf("failed to insert event %s into outbox: %w", eventType, err)
	}
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(fmt.Sprintf("oms-dispatcher/account/%d", accountID))
	ce.SetType(string(namespace) + "." + eventType)
	ce.SetTime(time.Now())
	ce.SetExtension("accountid", accountID)
	if err := ce.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return fmt.Errorf("failed to encode cloudevents payload for %s: %w", eventType, err)
	}
	b.ringFor(accountID).push(Envelope{Event: ce, Namespace: namespace, Type: eventType, PayloadJSON: raw})
	return nil
}

func (b *Bus) ringFor(accountID int64) *ring {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[accountID]
	if !ok {
		r = &ring{}
		b.rings[accountID] = r
	}
	return r
}

func (r *ring) push(e Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	e.Seq = r.nextSeq
	r.items = append(r.items, e)
}

// Pull returns items with seq > sinceSeq, oldest first, capped at limit (0
// means unbounded within the buffer). Items older than the buffer's
// retention have already been evicted by Trim.
func (b *Bus) Pull(accountID int64, sinceSeq int64, limit int) []Envelope {
	r := b.ringFor(accountID)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.items {
		if e.Seq > sinceSeq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// TailID returns the highest seq published for accountID, or 0 if none.
func (b *Bus) TailID(accountID int64) int64 {
	r := b.ringFor(accountID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq
}

// Trim evicts items so each ring holds at most bufferSize entries,
// discarding the oldest first. Called once a minute by cmd/oms-dispatcher's
// trim ticker rather than on every push, to keep Publish cheap.
func (b *Bus) Trim() {
	b.mu.Lock()
	rings := make([]*ring, 0, len(b.rings))
	for _, r := range b.rings {
		rings = append(rings, r)
	}
	b.mu.Unlock()
	for _, r := range rings {
		r.mu.Lock()
		if len(r.items) > b.bufferSize {
			drop := len(r.items) - b.bufferSize
			r.items = r.items[drop:]
		}
		r.mu.Unlock()
	}
}
