// Package events is the fire-and-forget audit/metrics sink. Emit never
// blocks: when the buffer is full the event is counted and dropped.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Type names an event.
type Type string

const (
	CampaignStarted   Type = "campaign.started"
	CampaignPaused    Type = "campaign.paused"
	CampaignResumed   Type = "campaign.resumed"
	CampaignStopped   Type = "campaign.stopped"
	CampaignCancelled Type = "campaign.cancelled"
	CampaignFinished  Type = "campaign.finished"
	BatchDispatched   Type = "batch.dispatched"
	DeliverySent      Type = "delivery.sent"
	DeliveryFailed    Type = "delivery.failed"
	DeliverySkipped   Type = "delivery.skipped"
	DLQCreated        Type = "dlq.created"
	DLQRetried        Type = "dlq.retried"
	DLQExhausted      Type = "dlq.permanently_failed"
	DLQArchived       Type = "dlq.archived"
)

// Event is one audit record.
type Event struct {
	Type        Type           `json:"type"`
	CampaignID  string         `json:"campaign_id,omitempty"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	At          time.Time      `json:"at"`
}

// Publisher is what the engine depends on.
type Publisher interface {
	Emit(e Event)
}

// Sink persists batches of events.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(Event) {}

// Emitter buffers events and flushes them to a sink from one goroutine.
type Emitter struct {
	ch       chan Event
	sink     Sink
	batch    int
	interval time.Duration
	dropped  atomic.Int64
	now      func() time.Time
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(sink Sink, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		ch:       make(chan Event, buffer),
		sink:     sink,
		batch:    100,
		interval: time.Second,
		now:      time.Now,
	}
}

// Emit enqueues e without blocking.
func (em *Emitter) Emit(e Event) {
	if e.At.IsZero() {
		e.At = em.now().UTC()
	}
	select {
	case em.ch <- e:
	default:
		em.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (em *Emitter) Dropped() int64 { return em.dropped.Load() }

// Run flushes until ctx is cancelled, then drains what is buffered.
func (em *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(em.interval)
	defer ticker.Stop()
	buf := make([]Event, 0, em.batch)

	flush := func(fctx context.Context) {
		if len(buf) == 0 {
			return
		}
		if err := em.sink.Write(fctx, buf); err != nil {
			logger.Warn("[Events] sink write failed, dropping batch", "count", len(buf), "error", err)
		}
		buf = buf[:0]
	}

	for {
		select {
		case e := <-em.ch:
			buf = append(buf, e)
			if len(buf) >= em.batch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for {
				select {
				case e := <-em.ch:
					buf = append(buf, e)
					continue
				default:
				}
				break
			}
			flush(dctx)
			cancel()
			return
		}
	}
}
