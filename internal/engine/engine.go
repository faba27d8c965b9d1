// Package engine wires the dispatch pipeline together and exposes the
// operator-facing API: campaign CRUD, manual runs, and account safety
// status. Everything below it (admission, sessions, queue, scheduler, store)
// is owned and lifecycled here.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"campaigner/internal/admission"
	"campaigner/internal/campaign"
	"campaigner/internal/config"
	"campaigner/internal/dispatch"
	"campaigner/internal/eventbus"
	"campaigner/internal/runtime/supervisor"
	"campaigner/internal/schedule"
	"campaigner/internal/session"
	"campaigner/internal/stagger"
	"campaigner/internal/store"
	"campaigner/internal/transport"
	"campaigner/internal/transport/telegram"
	logx "campaigner/pkg/logx"
)

const rateFlushInterval = 30 * time.Second

type Engine struct {
	mgr *config.Manager
	log logx.Logger
	bus eventbus.Bus

	store     store.Store
	adm       *admission.Controller
	pool      *session.Pool
	dispatch  *dispatch.Service
	scheduler *schedule.Service
	sup       *supervisor.Supervisor

	stopGrace time.Duration
	started   bool
}

// Option overrides a default dependency. Tests swap the dialer for a fake.
type Option func(*options)

type options struct {
	dialer transport.Dialer
	st     store.Store
}

func WithDialer(d transport.Dialer) Option { return func(o *options) { o.dialer = d } }
func WithStore(s store.Store) Option       { return func(o *options) { o.st = s } }

func New(mgr *config.Manager, log logx.Logger, opts ...Option) (*Engine, error) {
	var o options
	for _, op := range opts {
		op(&o)
	}
	cfg := mgr.Get()
	if cfg == nil {
		return nil, fmt.Errorf("engine: config not loaded")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	st := o.st
	if st == nil {
		var err error
		st, err = store.Open(cfg.StoreConfig(), log.With(logx.String("component", "store")))
		if err != nil {
			return nil, err
		}
	}

	bus := eventbus.New()

	admCfg, err := cfg.AdmissionConfig()
	if err != nil {
		return nil, err
	}
	adm := admission.New(admCfg, log.With(logx.String("component", "admission")), bus)

	dialer := o.dialer
	if dialer == nil {
		timeout, err := cfg.TelegramTimeout()
		if err != nil {
			return nil, err
		}
		dialer = telegram.NewDialer(telegram.Config{
			RequestTimeout: timeout,
			Offline:        cfg.Telegram.Offline,
		}, log.With(logx.String("component", "telegram")))
	}

	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	pool := session.New(sessCfg, dialer, credsSource{mgr}, log.With(logx.String("component", "session")))

	execCfg, err := cfg.ExecutorConfig()
	if err != nil {
		return nil, err
	}
	exec := dispatch.NewExecutor(execCfg, st, adm, pool, transport.PassthroughRenderer{}, bus,
		log.With(logx.String("component", "executor")))

	disp := dispatch.NewService(cfg.ServiceConfig(), exec, bus,
		log.With(logx.String("component", "dispatch")))

	loc, err := cfg.SchedulerLocation()
	if err != nil {
		return nil, err
	}
	sched := schedule.New(disp, log.With(logx.String("component", "schedule")), schedule.WithLocation(loc))

	grace, err := cfg.StopGrace()
	if err != nil {
		return nil, err
	}

	return &Engine{
		mgr:       mgr,
		log:       log,
		bus:       bus,
		store:     st,
		adm:       adm,
		pool:      pool,
		dispatch:  disp,
		scheduler: sched,
		stopGrace: grace,
	}, nil
}

// Bus exposes the event stream for observers (CLI status, log taps).
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// Start restores persisted state, plans the stagger for existing campaigns,
// registers their schedules, and brings all services up.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}

	states, err := e.store.RateStates(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore rate states: %w", err)
	}
	e.adm.Restore(states)
	for _, a := range e.mgr.Get().Accounts {
		e.adm.EnsureAccount(a.ID, a.AccountCreatedAt())
	}

	campaigns, err := e.store.Campaigns(ctx)
	if err != nil {
		return fmt.Errorf("engine: load campaigns: %w", err)
	}

	e.pool.Start()
	e.dispatch.Start()
	e.scheduler.Start()

	// One stagger plan covers every active campaign known at startup.
	// Campaigns created later slot in behind their group without reshuffling
	// the already-running members.
	var active []campaign.Campaign
	for _, c := range campaigns {
		if c.Active {
			active = append(active, c)
		}
	}
	delays := stagger.Plan(active)
	for _, c := range active {
		if err := e.scheduler.Schedule(c, delays[c.ID]); err != nil {
			e.log.Error("campaign schedule failed at startup",
				logx.String("campaign", c.ID),
				logx.Err(err))
		}
	}

	e.sup = supervisor.New(context.Background(),
		supervisor.WithLogger(e.log.With(logx.String("component", "supervisor"))))
	e.sup.Go0("rate-flush", e.rateFlushLoop)
	e.sup.Go0("run-flush", e.runFlushLoop)
	e.sup.GoRestart("config-watch", e.mgr.Watch,
		supervisor.WithRestartBackoff(time.Second, time.Minute))
	e.sup.Go0("config-apply", e.configApplyLoop)

	e.started = true
	e.log.Info("engine started",
		logx.Int("campaigns", len(campaigns)),
		logx.Int("active", len(active)),
		logx.Int("accounts", len(e.mgr.Get().Accounts)))
	return nil
}

// Stop drains in reverse order: no new firings, no new queue pulls, in-flight
// runs get the grace period, then sessions close and state flushes.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.started = false

	e.scheduler.Stop()
	e.dispatch.Stop(e.stopGrace)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if e.sup != nil {
		if err := e.sup.Stop(ctx); err != nil {
			e.log.Warn("supervisor stop incomplete", logx.Err(err))
		}
	}
	e.pool.Stop()

	e.flushRateState(ctx)
	if err := e.store.Close(); err != nil {
		e.log.Error("store close failed", logx.Err(err))
	}
	e.log.Info("engine stopped")
}

// CreateCampaign validates, persists, and schedules a new campaign. A
// campaign whose content matches an existing group joins the back of that
// group's stagger order; the running members keep their slots.
func (e *Engine) CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.Active = true
	if err := c.Validate(); err != nil {
		return campaign.Campaign{}, err
	}
	if _, ok := e.mgr.Get().Account(c.AccountID); !ok {
		return campaign.Campaign{}, fmt.Errorf("engine: unknown account %q", c.AccountID)
	}
	e.adm.EnsureAccount(c.AccountID, accountCreatedAt(e.mgr, c.AccountID))

	if err := e.store.PutCampaign(ctx, c); err != nil {
		return campaign.Campaign{}, err
	}

	delay, err := e.lateJoinDelay(ctx, c)
	if err != nil {
		e.log.Warn("stagger lookup failed, scheduling without delay",
			logx.String("campaign", c.ID), logx.Err(err))
		delay = 0
	}
	if err := e.scheduler.Schedule(c, delay); err != nil {
		return campaign.Campaign{}, err
	}
	e.log.Info("campaign created",
		logx.String("campaign", c.ID),
		logx.String("account", c.AccountID),
		logx.Duration("stagger", delay))
	return c, nil
}

// lateJoinDelay places a new campaign behind its content group. With n
// members including the newcomer, the newcomer waits (n-1) gaps.
func (e *Engine) lateJoinDelay(ctx context.Context, c campaign.Campaign) (time.Duration, error) {
	all, err := e.store.Campaigns(ctx)
	if err != nil {
		return 0, err
	}
	key := stagger.ContentKey(c.Content)
	n := 0
	for _, other := range all {
		if other.Active && stagger.ContentKey(other.Content) == key {
			n++
		}
	}
	if n <= 1 {
		return 0, nil
	}
	return time.Duration(n-1) * stagger.GapFor(n), nil
}

func (e *Engine) PauseCampaign(ctx context.Context, id string) error {
	c, err := e.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if !c.Active {
		return nil
	}
	c.Active = false
	if err := e.store.PutCampaign(ctx, c); err != nil {
		return err
	}
	e.scheduler.Unschedule(id)
	e.log.Info("campaign paused", logx.String("campaign", id))
	return nil
}

func (e *Engine) ResumeCampaign(ctx context.Context, id string) error {
	c, err := e.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Active {
		return nil
	}
	c.Active = true
	if err := e.store.PutCampaign(ctx, c); err != nil {
		return err
	}
	if err := e.scheduler.Schedule(c, 0); err != nil {
		return err
	}
	e.log.Info("campaign resumed", logx.String("campaign", id))
	return nil
}

func (e *Engine) DeleteCampaign(ctx context.Context, id string) error {
	e.scheduler.Unschedule(id)
	if err := e.store.DeleteCampaign(ctx, id); err != nil {
		return err
	}
	e.log.Info("campaign deleted", logx.String("campaign", id))
	return nil
}

// RunNow enqueues an immediate manual run, bypassing the schedule but not
// admission.
func (e *Engine) RunNow(ctx context.Context, id string) error {
	if _, err := e.store.Campaign(ctx, id); err != nil {
		return err
	}
	return e.dispatch.Enqueue(campaign.RunRequest{
		CampaignID: id,
		Reason:     campaign.RunManual,
		EnqueuedAt: time.Now(),
	})
}

func (e *Engine) Campaign(ctx context.Context, id string) (campaign.Campaign, error) {
	return e.store.Campaign(ctx, id)
}

func (e *Engine) Campaigns(ctx context.Context) ([]campaign.Campaign, error) {
	return e.store.Campaigns(ctx)
}

func (e *Engine) Outcomes(ctx context.Context, campaignID string, limit int) ([]campaign.DeliveryOutcome, error) {
	return e.store.Outcomes(ctx, campaignID, limit)
}

// SetAccountGroups replaces the discovered group list backing discovery-mode
// campaigns for the account.
func (e *Engine) SetAccountGroups(ctx context.Context, accountID string, groups []string) error {
	return e.store.PutAccountGroups(ctx, accountID, groups)
}

// Snapshot is a point-in-time view of the pipeline, for status commands and
// operator diagnostics.
type Snapshot struct {
	QueuedRuns   int                      `json:"queued_runs"`
	InFlightRuns int                      `json:"in_flight_runs"`
	Sessions     int                      `json:"sessions"`
	Accounts     []admission.SafetyStatus `json:"accounts"`
}

func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		QueuedRuns:   e.dispatch.Pending(),
		InFlightRuns: e.dispatch.InFlight(),
		Sessions:     e.pool.Size(),
		Accounts:     e.adm.Statuses(),
	}
}

func (e *Engine) AccountSafetyStatus(accountID string) (admission.SafetyStatus, bool) {
	return e.adm.Status(accountID)
}

func (e *Engine) AccountStatuses() []admission.SafetyStatus {
	return e.adm.Statuses()
}

// runFlushLoop flushes rate state right after each run finishes, so a crash
// between periodic flushes loses at most the last few message counters.
func (e *Engine) runFlushLoop(ctx context.Context) {
	ch, unsub := e.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == eventbus.EventRunFinished || ev.Type == eventbus.EventRunFailed {
				e.flushRateState(ctx)
			}
		}
	}
}

func (e *Engine) rateFlushLoop(ctx context.Context) {
	t := time.NewTicker(rateFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.flushRateState(ctx)
		}
	}
}

func (e *Engine) flushRateState(ctx context.Context) {
	dirty := e.adm.ExportDirty()
	if len(dirty) == 0 {
		return
	}
	if err := e.store.UpsertRateStates(ctx, dirty); err != nil {
		e.log.Error("rate state flush failed", logx.Err(err))
	}
}

// configApplyLoop applies the reloadable slice of a config change. Structural
// sections (accounts, storage, pool sizes) need a restart; only new accounts
// are picked up live.
func (e *Engine) configApplyLoop(ctx context.Context) {
	ch := e.mgr.Subscribe(1)
	defer e.mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			for _, a := range cfg.Accounts {
				e.adm.EnsureAccount(a.ID, a.AccountCreatedAt())
			}
			e.log.Info("config change applied", logx.Int("accounts", len(cfg.Accounts)))
		}
	}
}

// credsSource adapts the live config to the session pool's credential lookup,
// so a token rotated by reload is used on the next dial.
type credsSource struct {
	mgr *config.Manager
}

func (s credsSource) Credentials(accountID string) (transport.Credentials, bool) {
	cfg := s.mgr.Get()
	if cfg == nil {
		return transport.Credentials{}, false
	}
	a, ok := cfg.Account(accountID)
	if !ok {
		return transport.Credentials{}, false
	}
	return transport.Credentials{
		AccountID: a.ID,
		Token:     a.Token,
		CreatedAt: a.AccountCreatedAt(),
	}, true
}

func accountCreatedAt(mgr *config.Manager, accountID string) time.Time {
	if a, ok := mgr.Get().Account(accountID); ok {
		return a.AccountCreatedAt()
	}
	return time.Time{}
}
