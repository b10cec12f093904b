package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrUnavailable is returned when no live connection could be handed out
	// within the retry budget.
	ErrUnavailable = errors.New("database: no connection available")
	ErrClosed      = errors.New("database: pool closed")

	errExhausted = errors.New("database: pool exhausted")
)

// Connection is the subset of *pgx.Conn the service relies on.
type Connection interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connector dials one new connection.
type Connector func(ctx context.Context) (Connection, error)

// PgxConnector dials Postgres with pgx.
func PgxConnector(dsn string) Connector {
	return func(ctx context.Context) (Connection, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Config struct {
	MaxConns       int32
	InitRetries    int
	InitDelay      time.Duration
	AcquireRetries int
	RetryDelay     time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
	ProbeTimeout   time.Duration
	ResetThreshold int
}

func DefaultConfig() Config {
	return Config{
		MaxConns:       10,
		InitRetries:    3,
		InitDelay:      2 * time.Second,
		AcquireRetries: 3,
		RetryDelay:     500 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		DialTimeout:    5 * time.Second,
		ProbeTimeout:   2 * time.Second,
		ResetThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.InitRetries <= 0 {
		c.InitRetries = d.InitRetries
	}
	if c.InitDelay < 0 {
		c.InitDelay = 0
	}
	if c.AcquireRetries <= 0 {
		c.AcquireRetries = d.AcquireRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ResetThreshold <= 0 {
		c.ResetThreshold = d.ResetThreshold
	}
	return c
}

// Pool hands out probed connections, bounded by MaxConns. Repeated liveness
// failures replace the whole underlying resource set.
//
// The gate counts every issued connection, whichever resource set it came
// from, so a reset never lets more than MaxConns out at once.
type Pool struct {
	cfg     Config
	connect Connector
	logger  *logrus.Logger
	gate    *semaphore.Weighted

	mu     sync.RWMutex
	res    *puddle.Pool[Connection]
	closed bool

	// retired resource sets still draining after a reset
	draining sync.WaitGroup

	resetMu  sync.Mutex
	failures atomic.Int32
	resets   atomic.Int64
	issued   atomic.Int32
}

// Open builds the pool and checks out one live connection before returning.
func Open(ctx context.Context, cfg Config, connect Connector, logger *logrus.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		connect: connect,
		logger:  logger,
		gate:    semaphore.NewWeighted(int64(cfg.MaxConns)),
	}
	res, err := p.build(ctx)
	if err != nil {
		return nil, err
	}
	p.res = res
	p.logger.WithFields(logrus.Fields{
		"Function": "Open",
		"MaxConns": p.cfg.MaxConns,
	}).Info("Connection pool initialized")
	return p, nil
}

// build creates a resource set and validates it, retrying InitRetries times.
func (p *Pool) build(ctx context.Context) (*puddle.Pool[Connection], error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.InitRetries; attempt++ {
		res, err := p.newResourcePool()
		if err != nil {
			return nil, err
		}
		if lastErr = p.validate(ctx, res); lastErr == nil {
			return res, nil
		}
		res.Close()

		p.logger.WithFields(logrus.Fields{
			"Function": "build",
			"Attempt":  attempt,
			"Error":    lastErr,
		}).Warn("Connection pool validation failed")

		if attempt < p.cfg.InitRetries {
			if err := sleep(ctx, p.cfg.InitDelay); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
	}
	return nil, fmt.Errorf("%w: initialization failed after %d attempts: %v", ErrUnavailable, p.cfg.InitRetries, lastErr)
}

func (p *Pool) newResourcePool() (*puddle.Pool[Connection], error) {
	return puddle.NewPool(&puddle.Config[Connection]{
		Constructor: p.dial,
		Destructor: func(c Connection) {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
			defer cancel()
			_ = c.Close(ctx)
		},
		MaxSize: p.cfg.MaxConns,
	})
}

func (p *Pool) dial(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("connector returned no connection")
	}
	return conn, nil
}

func (p *Pool) validate(ctx context.Context, res *puddle.Pool[Connection]) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	r, err := res.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := p.probe(ctx, r.Value()); err != nil {
		r.Destroy()
		return err
	}
	r.Release()
	return nil
}

func (p *Pool) probe(ctx context.Context, c Connection) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return c.Ping(ctx)
}

func (p *Pool) current() (*puddle.Pool[Connection], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.res, nil
}

// Acquire returns a connection that has just passed the liveness probe.
// Callers must Release it, or use WithConn/WithTx.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.AcquireRetries; attempt++ {
		conn, err := p.tryAcquire(ctx)
		if err == nil {
			p.failures.Store(0)
			return conn, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err

		if !errors.Is(err, errExhausted) && int(p.failures.Load()) >= p.cfg.ResetThreshold {
			p.reset(ctx)
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < p.cfg.AcquireRetries {
			if err := sleep(ctx, p.cfg.RetryDelay); err != nil {
				break
			}
		}
	}

	p.logger.WithFields(logrus.Fields{
		"Function": "Acquire",
		"Error":    lastErr,
	}).Error("Failed to acquire database connection")
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (p *Pool) tryAcquire(ctx context.Context) (*Conn, error) {
	if _, err := p.current(); err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.gate.Acquire(attemptCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errExhausted
	}

	conn, err := p.checkout(ctx, attemptCtx)
	if err != nil {
		p.gate.Release(1)
		return nil, err
	}
	return conn, nil
}

// checkout takes one probed connection from the current resource set.
// The caller holds a gate slot.
func (p *Pool) checkout(ctx, attemptCtx context.Context) (*Conn, error) {
	res, err := p.current()
	if err != nil {
		return nil, err
	}

	r, err := res.Acquire(attemptCtx)
	if err != nil {
		switch {
		case errors.Is(err, puddle.ErrClosedPool):
			// swapped out by a concurrent reset
			return nil, err
		case attemptCtx.Err() != nil && ctx.Err() == nil && p.saturated(res):
			return nil, errExhausted
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		p.failures.Add(1)
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := p.probe(ctx, r.Value()); err != nil {
		r.Destroy()
		p.failures.Add(1)
		return nil, fmt.Errorf("liveness probe: %w", err)
	}

	p.issued.Add(1)
	return &Conn{Connection: r.Value(), release: func() {
		r.Release()
		p.issued.Add(-1)
		p.gate.Release(1)
	}}, nil
}

func (p *Pool) saturated(res *puddle.Pool[Connection]) bool {
	return res.Stat().AcquiredResources() >= res.Stat().MaxResources()
}

// reset tears down the resource set and builds a fresh, validated one.
// Connections still checked out from the old set are destroyed on release.
func (p *Pool) reset(ctx context.Context) {
	p.resetMu.Lock()
	defer p.resetMu.Unlock()

	if int(p.failures.Load()) < p.cfg.ResetThreshold {
		return
	}

	p.logger.WithFields(logrus.Fields{
		"Function": "reset",
		"Failures": p.failures.Load(),
	}).Warn("Resetting connection pool")

	fresh, err := p.build(ctx)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"Function": "reset",
			"Error":    err,
		}).Error("Connection pool reinitialization failed")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fresh.Close()
		return
	}
	old := p.res
	p.res = fresh
	p.mu.Unlock()

	p.failures.Store(0)
	p.resets.Add(1)
	// Close blocks until every checked-out connection of the old set is back.
	p.draining.Add(1)
	go func() {
		defer p.draining.Done()
		old.Close()
	}()
}

// WithConn runs fn with a checked-out connection and always releases it.
func (p *Pool) WithConn(ctx context.Context, fn func(ctx context.Context, conn *Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(ctx, conn)
}

// WithTx runs fn inside a transaction. The transaction is committed only when
// fn returns nil; every other exit path rolls back.
func (p *Pool) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return p.WithConn(ctx, func(ctx context.Context, conn *Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(context.WithoutCancel(ctx))
			}
		}()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		committed = true
		return nil
	})
}

// Ping checks that a live connection can be handed out right now.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(context.Context, *Conn) error { return nil })
}

// Close stops handing out connections, waits for checked-out ones to be
// released and closes everything.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	res := p.res
	p.mu.Unlock()

	res.Close()
	p.draining.Wait()
	p.logger.WithField("Function", "Close").Info("Connection pool closed")
}

type Stats struct {
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32
	Resets   int64
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	res := p.res
	p.mu.RUnlock()

	s := res.Stat()
	return Stats{
		Acquired: p.issued.Load(),
		Idle:     s.IdleResources(),
		Total:    s.TotalResources(),
		Max:      s.MaxResources(),
		Resets:   p.resets.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
