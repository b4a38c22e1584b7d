// Package scheduler polls external providers for the status of tracked
// items. A single tick lists the items that are due and dispatches one fetch
// per item, bounded by a global concurrency cap. An item never has more than
// one fetch in flight.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
)

const (
	DefaultInterval           = 30 * time.Second
	DefaultTick               = time.Second
	DefaultFetchTimeout       = 10 * time.Second
	DefaultBackoffCeiling     = 10 * time.Minute
	DefaultMaxInFlight        = 4
	DefaultPermanentThreshold = 3
)

// Store lists the items eligible for polling and reads runtime settings.
type Store interface {
	ListPollable() ([]item.Item, error)
	GetSetting(key string) (string, error)
}

// Updater persists fetch outcomes. *tracker.Tracker implements it.
type Updater interface {
	ApplyObservation(id string, obs provider.Status) (item.Item, error)
	RecordCheck(id string) error
	Fail(id, detail string) (item.Item, error)
}

// Config holds the scheduler's dependencies and tuning.
type Config struct {
	Store   Store
	Updater Updater
	Fetcher provider.Fetcher

	// Interval is the global polling interval, used when neither the item
	// nor the poll_interval setting overrides it.
	Interval           time.Duration
	Tick               time.Duration
	FetchTimeout       time.Duration
	BackoffCeiling     time.Duration
	MaxInFlight        int
	PermanentThreshold int

	Logger zerolog.Logger
	Now    func() time.Time
}

// record is the in-memory scheduling state of one item.
type record struct {
	nextDue   time.Time
	inFlight  bool
	transient int
	permanent int
}

type Scheduler struct {
	store   Store
	updater Updater
	fetcher provider.Fetcher

	interval           time.Duration
	tick               time.Duration
	fetchTimeout       time.Duration
	ceiling            time.Duration
	permanentThreshold int

	logger zerolog.Logger
	now    func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	records map[string]*record
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:              cfg.Store,
		updater:            cfg.Updater,
		fetcher:            cfg.Fetcher,
		interval:           orDefault(cfg.Interval, DefaultInterval),
		tick:               orDefault(cfg.Tick, DefaultTick),
		fetchTimeout:       orDefault(cfg.FetchTimeout, DefaultFetchTimeout),
		ceiling:            orDefault(cfg.BackoffCeiling, DefaultBackoffCeiling),
		permanentThreshold: cfg.PermanentThreshold,
		logger:             cfg.Logger.With().Str("component", "scheduler").Logger(),
		now:                cfg.Now,
		records:            make(map[string]*record),
	}
	if s.permanentThreshold <= 0 {
		s.permanentThreshold = DefaultPermanentThreshold
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	s.sem = semaphore.NewWeighted(int64(maxInFlight))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run ticks until ctx is cancelled, then waits for in-flight fetches to
// observe the cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("tick", s.tick).Dur("interval", s.interval).Msg("scheduler started")

	s.Tick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Wait blocks until every dispatched fetch has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick dispatches a fetch for every due item and returns how many were
// dispatched. It never blocks on a fetch.
func (s *Scheduler) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	items, err := s.store.ListPollable()
	if err != nil {
		s.logger.Warn().Err(err).Msg("listing pollable items")
		return 0
	}
	global := s.globalInterval()
	now := s.now()

	listed := make(map[string]bool, len(items))
	var due []item.Item

	s.mu.Lock()
	for _, it := range items {
		listed[it.ID] = true
		rec, ok := s.records[it.ID]
		if !ok {
			rec = &record{}
			s.records[it.ID] = rec
		}
		if rec.inFlight || now.Before(rec.nextDue) {
			continue
		}
		rec.inFlight = true
		due = append(due, it)
	}
	// Items that left the due-set (archived, terminal, deleted) start over
	// when they come back.
	for id, rec := range s.records {
		if !listed[id] && !rec.inFlight {
			delete(s.records, id)
		}
	}
	s.mu.Unlock()

	for _, it := range due {
		s.wg.Add(1)
		go s.check(ctx, it, intervalFor(it, global))
	}
	return len(due)
}

// InFlight returns the number of fetches currently dispatched.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.inFlight {
			n++
		}
	}
	return n
}

// NextDue reports when an item is next due, if the scheduler has seen it.
func (s *Scheduler) NextDue(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return time.Time{}, false
	}
	return rec.nextDue, true
}

func (s *Scheduler) check(ctx context.Context, it item.Item, interval time.Duration) {
	defer s.wg.Done()
	logger := s.logger.With().Str("item_id", it.ID).Str("type", string(it.Type)).Logger()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.release(it.ID, func(*record) {})
		return
	}
	defer s.sem.Release(1)

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	obs, err := s.fetcher.Fetch(fetchCtx, it.Metadata)
	cancel()

	if ctx.Err() != nil {
		s.release(it.ID, func(*record) {})
		return
	}

	if err == nil {
		if _, err := s.updater.ApplyObservation(it.ID, obs); err != nil {
			logger.Warn().Err(err).Msg("storing observation")
			s.release(it.ID, func(*record) {})
			return
		}
		logger.Debug().Str("phase", string(obs.Phase)).Str("detail", obs.Detail).Msg("checked")
		s.release(it.ID, func(rec *record) {
			rec.transient, rec.permanent = 0, 0
			rec.nextDue = s.now().Add(interval)
		})
		return
	}

	if cerr := s.updater.RecordCheck(it.ID); cerr != nil {
		logger.Warn().Err(cerr).Msg("recording check")
	}

	if provider.IsPermanent(err) {
		var failed bool
		s.release(it.ID, func(rec *record) {
			rec.transient = 0
			rec.permanent++
			failed = rec.permanent >= s.permanentThreshold
			rec.nextDue = s.now().Add(interval)
		})
		logger.Warn().Err(err).Bool("giving_up", failed).Msg("permanent provider error")
		if failed {
			if _, ferr := s.updater.Fail(it.ID, err.Error()); ferr != nil {
				logger.Warn().Err(ferr).Msg("marking item failed")
			}
		}
		return
	}

	var wait time.Duration
	s.release(it.ID, func(rec *record) {
		rec.permanent = 0
		rec.transient++
		wait = Backoff(interval, s.ceiling, rec.transient)
		rec.nextDue = s.now().Add(wait)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Info().Dur("retry_in", wait).Msg("fetch timed out")
		return
	}
	logger.Info().Err(err).Dur("retry_in", wait).Msg("transient provider error")
}

// release clears the in-flight flag after applying fn to the item's record.
func (s *Scheduler) release(id string, fn func(*record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	fn(rec)
	rec.inFlight = false
}

func (s *Scheduler) globalInterval() time.Duration {
	raw, err := s.store.GetSetting(db.SettingPollInterval)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading poll_interval setting")
		return s.interval
	}
	if raw == "" {
		return s.interval
	}
	d, err := ParseInterval(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("value", raw).Msg("ignoring invalid poll_interval setting")
		return s.interval
	}
	return d
}

func intervalFor(it item.Item, global time.Duration) time.Duration {
	if it.PollInterval > 0 {
		return it.PollInterval
	}
	return global
}

// Backoff returns interval doubled once per consecutive transient failure,
// capped at ceiling. An interval at or above the ceiling still backs off to
// twice its nominal value.
func Backoff(interval, ceiling time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	ceiling = max(ceiling, 2*interval)
	d := interval
	for i := 0; i < failures; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

// ErrInvalidInterval is returned by ParseInterval.
var ErrInvalidInterval = errors.New("invalid interval")

// ParseInterval accepts a Go duration ("45s", "2m") or a whole number of
// seconds. Intervals below one second are rejected.
func ParseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	var d time.Duration
	if n, err := strconv.Atoi(raw); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(raw); err != nil {
		return 0, ErrInvalidInterval
	}
	if d < time.Second {
		return 0, ErrInvalidInterval
	}
	return d, nil
}
