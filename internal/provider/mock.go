package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
)

// MockSettings drives the in-process provider used for load tests and
// staging. FailEvery=N fails every Nth send with FailClass.
type MockSettings struct {
	Latency   time.Duration `yaml:"latency"`
	FailEvery int           `yaml:"fail_every"`
	FailClass failure.Class `yaml:"fail_class"`
}

// Mock accepts every message unless configured to fail. It records what it
// sent.
type Mock struct {
	name string
	cost float64
	cfg  MockSettings

	mu    sync.Mutex
	calls int
	sent  []domain.EmailMessage
	next  []error
}

func NewMock(name string, s MockSettings, cost float64) *Mock {
	if s.FailClass == "" {
		s.FailClass = failure.SystemError
	}
	return &Mock{name: name, cost: cost, cfg: s}
}

func (p *Mock) Name() string              { return p.name }
func (p *Mock) Type() domain.ProviderType { return domain.ProviderMock }

// FailNext queues errors returned by the next sends, in order.
func (p *Mock) FailNext(errs ...error) {
	p.mu.Lock()
	p.next = append(p.next, errs...)
	p.mu.Unlock()
}

// Sent returns a copy of the accepted messages.
func (p *Mock) Sent() []domain.EmailMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.EmailMessage(nil), p.sent...)
}

// Calls returns the number of Send invocations.
func (p *Mock) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Mock) Send(ctx context.Context, msg *domain.EmailMessage) (Receipt, error) {
	if p.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return Receipt{}, failure.Wrap(failure.ConnectionTimeout, p.name, ctx.Err())
		case <-time.After(p.cfg.Latency):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.next) > 0 {
		err := p.next[0]
		p.next = p.next[1:]
		if err != nil {
			return Receipt{}, err
		}
	} else if p.cfg.FailEvery > 0 && p.calls%p.cfg.FailEvery == 0 {
		return Receipt{}, failure.New(p.cfg.FailClass, "mock failure")
	}
	p.sent = append(p.sent, *msg)
	return Receipt{MessageID: "mock-" + uuid.NewString(), Cost: p.cost}, nil
}
