package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/vouch/internal/model"
)

const (
	DefaultSchedule  = "@every 5m"
	DefaultLookback  = 24 * time.Hour
	DefaultBatchSize = 50
)

// Refresher lists checkouts that never got a confirmation and asks the
// processor about them again.
type Refresher interface {
	UnconfirmedCheckouts(ctx context.Context, since time.Time, limit int) ([]model.CheckoutSession, error)
	RefreshCheckout(ctx context.Context, sessionID string) (model.PaymentStatus, error)
}

type Config struct {
	Schedule  string
	Lookback  time.Duration
	BatchSize int
}

// Result summarizes one pass.
type Result struct {
	Checked   int
	Confirmed int
	Failed    int
}

// Sweeper re-queries recent unconfirmed checkouts on a cron schedule, so a
// purchase whose webhook never arrived is still honored. It never expires
// anything.
type Sweeper struct {
	mu        sync.Mutex
	refresher Refresher
	cfg       Config
	cron      *cron.Cron
	cancel    context.CancelFunc
	now       func() time.Time
	logger    *slog.Logger
}

func New(r Refresher, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}

	return &Sweeper{
		refresher: r,
		cfg:       cfg,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:       time.Now,
		logger:    logger,
	}, nil
}

// AddJob schedules another periodic housekeeping task on the same cron.
// It must be called before Start.
func (s *Sweeper) AddJob(spec string, fn func()) error {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("schedule job %q: %w", spec, err)
	}
	return nil
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("checkout sweep started", "schedule", s.cfg.Schedule, "lookback", s.cfg.Lookback)
	return nil
}

// Stop cancels an in-flight pass and waits for running jobs to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
}

// RunOnce refreshes one batch of unconfirmed checkouts. A failing session is
// logged and skipped; the next pass tries it again.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result

	since := s.now().Add(-s.cfg.Lookback)
	list, err := s.refresher.UnconfirmedCheckouts(ctx, since, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list unconfirmed checkouts", "error", err)
		return res
	}

	for _, cs := range list {
		if ctx.Err() != nil {
			break
		}
		res.Checked++

		status, err := s.refresher.RefreshCheckout(ctx, cs.ID)
		switch {
		case errors.Is(err, model.ErrCheckoutMismatch):
			res.Failed++
			s.logger.Error("checkout account mismatch", "checkout_session_id", cs.ID, "account_id", cs.AccountID)
		case err != nil:
			res.Failed++
			s.logger.Warn("refresh checkout", "checkout_session_id", cs.ID, "error", err)
		case status == model.PaymentConfirmed:
			res.Confirmed++
			s.logger.Info("checkout confirmed by sweep", "checkout_session_id", cs.ID, "account_id", cs.AccountID)
		}
	}

	if res.Checked > 0 {
		s.logger.Info("checkout sweep finished",
			"checked", res.Checked, "confirmed", res.Confirmed, "failed", res.Failed)
	}
	return res
}
