package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/config"
)

var (
	ErrAcquire = errors.New("acquire connection")
	ErrClosed  = errors.New("pool closed")
)

// Session is what a unit of work sees of a pooled connection.
type Session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Executor runs a unit of work on one session.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context, s Session) error) error
}

type conn interface {
	Session
	Release()
}

type source interface {
	Acquire(ctx context.Context) (conn, error)
	Stat() Stats
	Close()
}

// Stats is a snapshot of pool usage for health reporting.
type Stats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

type pgxSource struct {
	pool *pgxpool.Pool
}

func (s pgxSource) Acquire(ctx context.Context) (conn, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s pgxSource) Stat() Stats {
	st := s.pool.Stat()
	return Stats{
		TotalConns:    st.TotalConns(),
		IdleConns:     st.IdleConns(),
		AcquiredConns: st.AcquiredConns(),
		MaxConns:      st.MaxConns(),
	}
}

func (s pgxSource) Close() { s.pool.Close() }

// Pool bounds database sessions and drains outstanding work on Close.
type Pool struct {
	src    source
	grace  time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	force       context.Context
	cancelForce context.CancelFunc
	closeOnce   sync.Once
}

func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database pool ready",
		zap.String("host", pcfg.ConnConfig.Host),
		zap.String("database", pcfg.ConnConfig.Database),
		zap.Int32("min_conns", cfg.MinConns),
		zap.Int32("max_conns", cfg.MaxConns))
	return newPool(pgxSource{pool: pool}, cfg.CloseGrace(), logger), nil
}

func newPool(src source, grace time.Duration, logger *zap.Logger) *Pool {
	force, cancel := context.WithCancel(context.Background())
	return &Pool{src: src, grace: grace, logger: logger, force: force, cancelForce: cancel}
}

// Execute acquires a session, runs fn and releases the session on every exit
// path, panics included. fn's context is cancelled if Close runs out of grace.
func (p *Pool) Execute(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.force, cancel)
	defer stop()

	c, err := p.src.Acquire(ctx)
	if err != nil {
		p.logger.Error("Failed to acquire database connection", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	defer c.Release()

	return fn(ctx, c)
}

func (p *Pool) Stats() Stats {
	return p.src.Stat()
}

// Close stops new work, waits up to the grace period for in-flight work,
// then cancels whatever is left and closes the pool. Later calls do nothing.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.logger.Info("Closing database pool", zap.Duration("grace", p.grace))
		done := make(chan struct{})
		go func() {
			p.inflight.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.grace):
			p.logger.Warn("Grace period elapsed, cancelling in-flight database work")
			p.cancelForce()
			<-done
		}
		p.cancelForce()
		p.src.Close()
		p.logger.Info("Database pool closed")
	})
}
