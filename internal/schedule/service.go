// Package schedule turns campaign cadences into run requests. Recurring
// cadences ride a single cron runner; one-shot cadences get a plain timer.
// Firing only ever enqueues; admission and delivery happen downstream, so a
// slow run never blocks the cron goroutine.
package schedule

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"campaigner/internal/campaign"
	logx "campaigner/pkg/logx"
)

// Enqueuer is where firings go. The dispatch service implements it.
type Enqueuer interface {
	Enqueue(req campaign.RunRequest) error
}

type Service struct {
	log    logx.Logger
	enq    Enqueuer
	cron   *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]*scheduled
	version uint64
	started bool
}

type scheduled struct {
	version   uint64
	entryID   cron.EntryID
	hasEntry  bool
	onceTimer *time.Timer
	immTimer  *time.Timer
}

// Option tweaks scheduler construction.
type Option func(*options)

type options struct {
	loc *time.Location
}

// WithLocation evaluates cron expressions in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

func New(enq Enqueuer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := options{loc: time.Local}
	for _, op := range opts {
		op(&o)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Service{
		log:     log,
		enq:     enq,
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(o.loc)),
		parser:  parser,
		entries: map[string]*scheduled{},
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for id, e := range s.entries {
		s.dropLocked(id, e)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Schedule registers (or replaces) a campaign's firing. firstDelay postpones
// the first firing; it carries the stagger offset for campaigns that share
// content with others. An unparseable interval cadence falls back to the
// default interval with a warning instead of failing.
func (s *Service) Schedule(c campaign.Campaign, firstDelay time.Duration) error {
	now := time.Now()
	firing, err := c.Cadence.Resolve(now)
	if err != nil {
		if !errors.Is(err, campaign.ErrBadInterval) {
			return err
		}
		s.log.Warn("unparseable cadence interval, using fallback",
			logx.String("campaign", c.ID),
			logx.String("interval", c.Cadence.Interval),
			logx.Duration("fallback", campaign.DefaultInterval))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[c.ID]; ok {
		s.dropLocked(c.ID, old)
	}

	s.version++
	e := &scheduled{version: s.version}
	s.entries[c.ID] = e
	ver := e.version
	campaignID := c.ID

	fire := func(reason campaign.RunReason) {
		if !s.stillCurrent(campaignID, ver) {
			return
		}
		if err := s.enq.Enqueue(campaign.RunRequest{
			CampaignID: campaignID,
			Reason:     reason,
			EnqueuedAt: time.Now(),
		}); err != nil {
			s.log.Debug("firing not enqueued",
				logx.String("campaign", campaignID),
				logx.Err(err))
		}
	}

	switch firing.Kind {
	case campaign.FireCron:
		sched, err := s.parser.Parse(firing.Cron)
		if err != nil {
			delete(s.entries, c.ID)
			return err
		}
		e.entryID = s.cron.Schedule(s.offset(sched, now, firstDelay),
			cron.FuncJob(func() { fire(campaign.RunScheduled) }))
		e.hasEntry = true

	case campaign.FireEvery:
		e.entryID = s.cron.Schedule(s.offset(cron.Every(firing.Every), now, firstDelay),
			cron.FuncJob(func() { fire(campaign.RunScheduled) }))
		e.hasEntry = true

	case campaign.FireOnce:
		wait := firing.At.Sub(now) + firstDelay
		if wait < 0 {
			wait = 0
		}
		e.onceTimer = time.AfterFunc(wait, func() {
			fire(campaign.RunScheduled)
			s.mu.Lock()
			if cur, ok := s.entries[campaignID]; ok && cur.version == ver {
				delete(s.entries, campaignID)
			}
			s.mu.Unlock()
		})
	}

	if c.Immediate {
		if firstDelay <= 0 {
			go fire(campaign.RunImmediate)
		} else {
			e.immTimer = time.AfterFunc(firstDelay, func() { fire(campaign.RunImmediate) })
		}
	}

	s.log.Debug("campaign scheduled",
		logx.String("campaign", c.ID),
		logx.String("cadence", string(c.Cadence.Kind)),
		logx.Duration("first_delay", firstDelay))
	return nil
}

// Unschedule removes a campaign's firing. Already-fired requests sitting in
// the queue are untouched; the executor's re-fetch makes them no-ops.
func (s *Service) Unschedule(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[campaignID]; ok {
		s.dropLocked(campaignID, e)
	}
}

// Scheduled reports whether the campaign currently has a registered firing.
func (s *Service) Scheduled(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[campaignID]
	return ok
}

func (s *Service) dropLocked(id string, e *scheduled) {
	if e.hasEntry {
		s.cron.Remove(e.entryID)
	}
	if e.onceTimer != nil {
		e.onceTimer.Stop()
	}
	if e.immTimer != nil {
		e.immTimer.Stop()
	}
	delete(s.entries, id)
}

func (s *Service) stillCurrent(id string, ver uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.version == ver
}

// offset wraps a schedule so no firing lands before now+delay. A firing that
// would have landed inside the window fires at the window's end instead, so
// sibling campaigns sharing content keep their relative spacing.
func (s *Service) offset(inner cron.Schedule, now time.Time, delay time.Duration) cron.Schedule {
	if delay <= 0 {
		return inner
	}
	return &delayedSchedule{inner: inner, notBefore: now.Add(delay)}
}

type delayedSchedule struct {
	inner     cron.Schedule
	notBefore time.Time
}

func (d *delayedSchedule) Next(t time.Time) time.Time {
	n := d.inner.Next(t)
	if n.Before(d.notBefore) {
		return d.notBefore
	}
	return n
}
