// Package sender implements the operations the CLI and the gateway expose:
// status, contacts, text sends and the file delivery pipeline. Every
// operation returns a domain.Result; failures are values, never panics.
package sender

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"wxsend/internal/config"
	"wxsend/internal/domain"
	"wxsend/internal/fetch"
	"wxsend/internal/journal"
	"wxsend/internal/lock"
	"wxsend/internal/metrics"
)

// Locker serializes access to the desktop client across processes.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// Resolver materializes a file source locally.
type Resolver interface {
	Resolve(ctx context.Context, src fetch.Source) (*fetch.File, error)
}

// Recorder stores send outcomes.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Options tunes pacing, readiness polling and cleanup.
type Options struct {
	FileHelperName    string
	ReadyPollInterval time.Duration
	ReadyPollAttempts int
	CleanupAttempts   int
	CleanupDelay      time.Duration // before every removal attempt
	CleanupRetryDelay time.Duration // after a failed attempt
	SendDelay         time.Duration
	RandomDelay       bool
	RandomDelayMin    time.Duration
	RandomDelayMax    time.Duration
}

// OptionsFromConfig maps the delivery and batch sections of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return Options{
		FileHelperName:    cfg.Automation.FileHelperName,
		ReadyPollInterval: ms(cfg.Delivery.ReadyPollIntervalMs),
		ReadyPollAttempts: cfg.Delivery.ReadyPollAttempts,
		CleanupAttempts:   cfg.Delivery.CleanupAttempts,
		CleanupDelay:      ms(cfg.Delivery.CleanupDelayMs),
		CleanupRetryDelay: ms(cfg.Delivery.CleanupRetryDelayMs),
		SendDelay:         time.Duration(cfg.Batch.SendDelaySeconds * float64(time.Second)),
		RandomDelay:       cfg.Batch.RandomDelay,
		RandomDelayMin:    ms(cfg.Batch.RandomDelayMinMs),
		RandomDelayMax:    ms(cfg.Batch.RandomDelayMaxMs),
	}
}

// Deps are the collaborators of a Service. Locker and Journal are optional.
type Deps struct {
	Automation domain.Automation
	Resolver   Resolver
	Locker     Locker
	Journal    Recorder
}

// Service runs the operations.
type Service struct {
	auto     domain.Automation
	resolver Resolver
	locker   Locker
	journal  Recorder
	opts     Options
	logger   *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi time.Duration) time.Duration
	remove func(path string) error
	now    func() time.Time
}

func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if opts.FileHelperName == "" {
		opts.FileHelperName = domain.FileHelperName
	}
	if opts.ReadyPollAttempts < 1 {
		opts.ReadyPollAttempts = 6
	}
	if opts.ReadyPollInterval <= 0 {
		opts.ReadyPollInterval = 500 * time.Millisecond
	}
	if opts.CleanupAttempts < 1 {
		opts.CleanupAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		auto:     deps.Automation,
		resolver: deps.Resolver,
		locker:   deps.Locker,
		journal:  deps.Journal,
		opts:     opts,
		logger:   logger,
		sleep:    sleepCtx,
		jitter:   randomBetween,
		remove:   os.Remove,
		now:      time.Now,
	}
}

// Status reports whether a session is logged in and who it belongs to.
func (s *Service) Status(ctx context.Context) domain.Result {
	var user string
	err := s.withSession(ctx, func(ctx context.Context) error {
		var err error
		user, err = timedCall("check_login", func() (string, error) { return s.auto.CurrentUser(ctx) })
		return err
	})
	if err != nil {
		s.logger.Warn("status check failed", "err", err, "kind", domain.KindOf(err))
		res := domain.Failure(err)
		res.LoggedIn = boolPtr(false)
		return res
	}
	return domain.Result{Success: true, LoggedIn: boolPtr(true), User: user, Timestamp: s.now()}
}

// Contacts lists the friends the client knows.
func (s *Service) Contacts(ctx context.Context) domain.Result {
	var names []string
	err := s.withSession(ctx, func(ctx context.Context) error {
		var err error
		names, err = timedCall("get_contacts", func() ([]string, error) { return s.auto.Contacts(ctx) })
		return err
	})
	if err != nil {
		s.logger.Warn("contact listing failed", "err", err, "kind", domain.KindOf(err))
		return domain.Failure(err)
	}

	contacts := make([]domain.Contact, 0, len(names))
	for _, n := range names {
		contacts = append(contacts, domain.Contact{ID: n, Name: n, Alias: "", Type: string(domain.TargetContact)})
	}
	n := len(contacts)
	return domain.Result{Success: true, Count: &n, Contacts: contacts, Timestamp: s.now()}
}

// withSession runs fn while holding the desktop-client session lock.
func (s *Service) withSession(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lock.SessionName)
		if err != nil {
			return err
		}
		defer release()
	}
	return fn(ctx)
}

// timedCall runs one automation call and observes its latency.
func timedCall[T any](action string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	metrics.ObserveAutomation(action, time.Since(start), err)
	return v, err
}

// batchDelay is the pause before the next target in a batch.
func (s *Service) batchDelay(opts *domain.BatchOptions) time.Duration {
	d := s.opts.SendDelay
	random := s.opts.RandomDelay
	if opts != nil {
		if opts.SendDelay != nil && *opts.SendDelay >= 0 {
			d = time.Duration(*opts.SendDelay * float64(time.Second))
		}
		if opts.RandomDelay != nil {
			random = *opts.RandomDelay
		}
	}
	if random {
		d += s.jitter(s.opts.RandomDelayMin, s.opts.RandomDelayMax)
	}
	return d
}

func (s *Service) record(ctx context.Context, e journal.Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("journal write failed", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func boolPtr(b bool) *bool { return &b }
