package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/decode"
	"github.com/mehmetymw/fhirsink/internal/dispatch"
	"github.com/mehmetymw/fhirsink/internal/metrics"
	"github.com/mehmetymw/fhirsink/internal/types"
)

// Message is one delivery handed out by a Source. Ack marks it handled so
// the source does not redeliver it.
type Message interface {
	Delivery() types.Delivery
	Ack(ctx context.Context) error
}

// Source yields messages one at a time. Next blocks until a message is
// available or ctx is done.
type Source interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev types.ChangeEvent) error
}

type Status struct {
	Running     bool      `json:"running"`
	Processed   uint64    `json:"processed"`
	LastSeq     uint64    `json:"last_seq"`
	LastSubject string    `json:"last_subject"`
	LastHandled time.Time `json:"last_handled"`
}

type Pipeline struct {
	source     Source
	dispatcher Dispatcher
	logger     *zap.Logger

	running   atomic.Bool
	processed atomic.Uint64

	mu     sync.Mutex
	last   types.Delivery
	lastAt time.Time
}

func New(source Source, dispatcher Dispatcher, logger *zap.Logger) *Pipeline {
	return &Pipeline{source: source, dispatcher: dispatcher, logger: logger}
}

// Run pulls and handles messages until ctx is cancelled or the source
// fails. Cancellation is only observed between messages; the message being
// handled always runs to completion and is acknowledged.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)
	p.logger.Info("Starting consumption loop")

	for {
		if ctx.Err() != nil {
			p.logger.Info("Consumption loop stopped", zap.Uint64("processed", p.processed.Load()))
			return nil
		}
		msg, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("Consumption loop stopped", zap.Uint64("processed", p.processed.Load()))
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		p.handle(context.WithoutCancel(ctx), msg)
	}
}

func (p *Pipeline) handle(ctx context.Context, msg Message) {
	start := time.Now()
	d := msg.Delivery()

	kind, outcome := p.process(ctx, d)
	metrics.RecordMessage(kind, outcome, time.Since(start))

	if err := msg.Ack(ctx); err != nil {
		p.logger.Warn("Ack failed, message may be redelivered",
			zap.Uint64("seq", d.Seq),
			zap.String("subject", d.Subject),
			zap.Error(err))
	}

	p.processed.Add(1)
	p.mu.Lock()
	p.last = d
	p.lastAt = time.Now()
	p.mu.Unlock()
}

func (p *Pipeline) process(ctx context.Context, d types.Delivery) (kind, outcome string) {
	ev, err := decode.Decode(d)
	if err != nil {
		fields := []zap.Field{
			zap.Uint64("seq", d.Seq),
			zap.String("subject", d.Subject),
			zap.ByteString("raw", d.Data),
			zap.Error(err),
		}
		if errors.Is(err, decode.ErrInvalid) {
			p.logger.Warn("Discarding invalid resource", fields...)
			return "", metrics.OutcomeInvalid
		}
		p.logger.Warn("Discarding malformed message", fields...)
		return "", metrics.OutcomeMalformed
	}

	kind = string(ev.Kind)
	if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
		if errors.Is(err, dispatch.ErrNoWriter) {
			return kind, metrics.OutcomeUnrouted
		}
		return kind, metrics.OutcomeFailed
	}
	return kind, metrics.OutcomeOK
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:     p.running.Load(),
		Processed:   p.processed.Load(),
		LastSeq:     p.last.Seq,
		LastSubject: p.last.Subject,
		LastHandled: p.lastAt,
	}
}
