// Package poll implements the client-side protocol for waiting on execution
// completion: repeated status reads with a capped multiplicative backoff and
// a wall-clock budget, expressed as an explicit loop over an injectable
// clock so the timing behavior is testable without real delays.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/log"
	"github.com/mtaverner/toolgate/internal/status"
)

//go:generate mockgen -source=poller.go -destination=mocks/mock_poller.go -package=mocks

// StatusReader is the read contract the poller depends on. The server-side
// status service satisfies it directly; remote clients wrap the HTTP status
// endpoint.
type StatusReader interface {
	GetStatus(ctx context.Context, id string) (status.Snapshot, error)
}

// Clock abstracts time so the backoff schedule and budget can be tested.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ErrClientTimeout reports that the polling budget expired before a terminal
// status was observed. It is distinct from a worker-side timeout, which shows
// up as a Failed execution.
var ErrClientTimeout = errors.New("timed out waiting for a terminal status")

// Config tunes the polling schedule.
type Config struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxDuration     time.Duration
}

// DefaultConfig returns the standard schedule: start at 2s, multiply by 1.2
// after each non-terminal response, cap at 5s, give up after 60 minutes.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 2 * time.Second,
		Multiplier:      1.2,
		MaxInterval:     5 * time.Second,
		MaxDuration:     60 * time.Minute,
	}
}

// Poller waits for executions to finish. It performs no shared mutation, so
// it needs no coordination with the server beyond the read contract.
type Poller struct {
	reader StatusReader
	cfg    Config
	clock  Clock
	logger *slog.Logger
}

func New(reader StatusReader, cfg Config) *Poller {
	return NewWithClock(reader, cfg, realClock{})
}

func NewWithClock(reader StatusReader, cfg Config, clock Clock) *Poller {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 2 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 1.2
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 60 * time.Minute
	}
	return &Poller{
		reader: reader,
		cfg:    cfg,
		clock:  clock,
		logger: log.WithComponent("poll"),
	}
}

// Wait polls until a terminal status is observed, the budget expires
// (ErrClientTimeout), or ctx is cancelled. Cancellation stops future polls
// and never mutates execution state.
func (p *Poller) Wait(ctx context.Context, id string) (status.Snapshot, error) {
	deadline := p.clock.Now().Add(p.cfg.MaxDuration)
	interval := p.cfg.InitialInterval

	for {
		snap, err := p.reader.GetStatus(ctx, id)
		switch {
		case errors.Is(err, execution.ErrNotFound):
			return status.Snapshot{}, err
		case err != nil:
			// Transient read failures burn budget but do not abort the wait.
			p.logger.Warn("status poll failed", "execution_id", id, "error", err)
		default:
			if snap.Status.Terminal() {
				return snap, nil
			}
		}

		if !p.clock.Now().Add(interval).Before(deadline) {
			p.logger.Warn("poll budget expired", "execution_id", id, "budget", p.cfg.MaxDuration)
			return status.Snapshot{}, ErrClientTimeout
		}

		select {
		case <-ctx.Done():
			return status.Snapshot{}, ctx.Err()
		case <-p.clock.After(interval):
		}

		interval = time.Duration(float64(interval) * p.cfg.Multiplier)
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}
