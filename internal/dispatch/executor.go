package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"campaigner/internal/campaign"
	"campaigner/internal/eventbus"
	"campaigner/internal/store"
	"campaigner/internal/transport"
	logx "campaigner/pkg/logx"
)

// Storage is the slice of the store the executor needs.
type Storage interface {
	Campaign(ctx context.Context, id string) (campaign.Campaign, error)
	UpdateCampaignStats(ctx context.Context, id string, lastRun time.Time, sentDelta int64) error
	RecordOutcomes(ctx context.Context, outs []campaign.DeliveryOutcome) error
	AccountGroups(ctx context.Context, accountID string) ([]string, error)
}

// Admission is the rate-policy gate the executor consults before the run and
// before every send.
type Admission interface {
	CanSendCampaign(accountID string, est int) (bool, string)
	CanSendMessage(accountID string) (bool, string)
	RecordCampaignStart(accountID string)
	RecordMessageSent(accountID string)
	RecordFloodWait(accountID string, wait time.Duration)
	RecordPeerFlood(accountID string)
	MessageDelayFor(accountID string) time.Duration
	InWarmup(accountID string) bool
}

// Sessions hands out live transport clients.
type Sessions interface {
	Acquire(ctx context.Context, accountID string, cacheable bool) (transport.Client, error)
	Invalidate(accountID string)
}

type ExecutorConfig struct {
	// GlobalRate caps sends per second across every account. 0 disables the
	// global limiter; per-account pacing still applies.
	GlobalRate  rate.Limit
	GlobalBurst int

	// DefaultFormat is the render format when a campaign does not say.
	DefaultFormat transport.Format

	// ShuffleChunkMin/Max bound the window size for delivery-order
	// randomization. The size is drawn per run.
	ShuffleChunkMin int
	ShuffleChunkMax int

	// ConnectAttempts and ConnectRetryDelay drive the session dial retry.
	// The delay doubles per attempt.
	ConnectAttempts   int
	ConnectRetryDelay time.Duration

	// FloodAbortAfter: a flood wait longer than this aborts the rest of the
	// run instead of queueing a retry.
	FloodAbortAfter time.Duration

	// MaxConsecutiveFailures aborts the run when this many sends in a row
	// fail with non-flood errors.
	MaxConsecutiveFailures int

	// The post-run rest is drawn from [PostRunPauseMin, PostRunPauseMax] and
	// slept while the permit is still held, spacing runs out globally.
	// Warm-up accounts draw from the shorter warm-up range so a recovering
	// account gets back to its reduced traffic sooner.
	PostRunPauseMin       time.Duration
	PostRunPauseMax       time.Duration
	WarmupPostRunPauseMin time.Duration
	WarmupPostRunPauseMax time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 1
	}
	if c.DefaultFormat == "" {
		c.DefaultFormat = transport.FormatPlain
	}
	if c.ShuffleChunkMin <= 0 {
		c.ShuffleChunkMin = 5
	}
	if c.ShuffleChunkMax < c.ShuffleChunkMin {
		c.ShuffleChunkMax = c.ShuffleChunkMin + 5
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.ConnectRetryDelay <= 0 {
		c.ConnectRetryDelay = 5 * time.Second
	}
	if c.FloodAbortAfter <= 0 {
		c.FloodAbortAfter = 30 * time.Minute
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.PostRunPauseMin <= 0 {
		c.PostRunPauseMin = 2 * time.Minute
	}
	if c.PostRunPauseMax < c.PostRunPauseMin {
		c.PostRunPauseMax = c.PostRunPauseMin + 4*time.Minute
	}
	if c.WarmupPostRunPauseMin <= 0 {
		c.WarmupPostRunPauseMin = 30 * time.Second
	}
	if c.WarmupPostRunPauseMax < c.WarmupPostRunPauseMin {
		c.WarmupPostRunPauseMax = c.WarmupPostRunPauseMin + time.Minute
	}
	return c
}

// Executor turns one run request into deliveries. It is stateless between
// runs; everything durable lives in the store and the admission controller.
type Executor struct {
	cfg      ExecutorConfig
	store    Storage
	adm      Admission
	sessions Sessions
	renderer transport.Renderer
	bus      eventbus.Bus
	log      logx.Logger
	limiter  *rate.Limiter

	rngMu sync.Mutex
	seed  *rand.Rand
}

func NewExecutor(cfg ExecutorConfig, st Storage, adm Admission, sess Sessions, r transport.Renderer, bus eventbus.Bus, log logx.Logger) *Executor {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if r == nil {
		r = transport.PassthroughRenderer{}
	}
	var lim *rate.Limiter
	if cfg.GlobalRate > 0 {
		lim = rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst)
	}
	return &Executor{
		cfg:      cfg,
		store:    st,
		adm:      adm,
		sessions: sess,
		renderer: r,
		bus:      bus,
		log:      log,
		limiter:  lim,
		seed:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// runRand derives an independent randomness source for one run so concurrent
// workers never share a rand.Rand.
func (e *Executor) runRand() *rand.Rand {
	e.rngMu.Lock()
	s := e.seed.Int63()
	e.rngMu.Unlock()
	return rand.New(rand.NewSource(s))
}

func drawInt(rng *rand.Rand, min, max int) int {
	if max <= min {
		return min
	}
	return min + rng.Intn(max-min+1)
}

func drawDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

func (e *Executor) Execute(ctx context.Context, req campaign.RunRequest) {
	log := e.log.With(logx.String("campaign", req.CampaignID))

	// Re-fetch so a request for a campaign deleted while queued is a no-op.
	c, err := e.store.Campaign(ctx, req.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("stale run request, campaign gone")
		return
	}
	if err != nil {
		log.Error("campaign load failed", logx.Err(err))
		return
	}
	if !c.Active {
		log.Debug("campaign paused, run skipped")
		return
	}
	log = log.With(logx.String("account", c.AccountID))

	if ok, reason := e.adm.CanSendCampaign(c.AccountID, c.EstimatedTargets()); !ok {
		log.Info("run not admitted", logx.String("reason", reason))
		e.publish(eventbus.EventRunDropped, map[string]any{
			"campaign_id": c.ID, "account_id": c.AccountID, "why": reason,
		})
		return
	}

	// Scheduled and manual runs get a fresh connection each time so a broken
	// session never survives across a run spanning hours. Only interactive
	// paths reuse the cache.
	cacheable := req.Reason == campaign.RunManual
	client, err := e.connect(ctx, c.AccountID, cacheable, log)
	if err != nil {
		log.Error("session unavailable, run failed", logx.Err(err))
		e.publish(eventbus.EventRunFailed, map[string]any{
			"campaign_id": c.ID, "account_id": c.AccountID, "why": err.Error(),
		})
		return
	}
	if !cacheable {
		defer func() {
			if err := client.Close(); err != nil {
				log.Debug("session close failed", logx.Err(err))
			}
		}()
	}

	targets, err := e.resolveTargets(ctx, c)
	if err != nil {
		log.Error("target resolution failed", logx.Err(err))
		e.publish(eventbus.EventRunFailed, map[string]any{
			"campaign_id": c.ID, "account_id": c.AccountID, "why": err.Error(),
		})
		return
	}
	if len(targets) == 0 {
		log.Info("no targets, run finished empty")
		_ = e.store.UpdateCampaignStats(ctx, c.ID, time.Now(), 0)
		e.publish(eventbus.EventRunFinished, map[string]any{
			"campaign_id": c.ID, "account_id": c.AccountID, "sent": 0,
		})
		return
	}
	rng := e.runRand()
	targets = chunkShuffle(targets, drawInt(rng, e.cfg.ShuffleChunkMin, e.cfg.ShuffleChunkMax), rng)

	format := e.cfg.DefaultFormat
	msg, err := e.renderer.Render(c.Content, format)
	if err != nil {
		log.Error("render failed", logx.Err(err))
		e.publish(eventbus.EventRunFailed, map[string]any{
			"campaign_id": c.ID, "account_id": c.AccountID, "why": "render: " + err.Error(),
		})
		return
	}

	runID := uuid.NewString()
	e.adm.RecordCampaignStart(c.AccountID)
	log.Info("run started",
		logx.String("run", runID),
		logx.Int("targets", len(targets)),
		logx.String("reason", string(req.Reason)))
	e.publish(eventbus.EventRunStarted, map[string]any{
		"campaign_id": c.ID, "account_id": c.AccountID, "run_id": runID, "targets": len(targets),
	})

	res := e.deliver(ctx, c, client, runID, targets, msg, log)

	if err := e.store.RecordOutcomes(ctx, res.outcomes); err != nil {
		log.Error("outcome persistence failed", logx.Err(err))
	}
	if err := e.store.UpdateCampaignStats(ctx, c.ID, time.Now(), int64(res.sent)); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("campaign stats update failed", logx.Err(err))
	}
	log.Info("run finished",
		logx.String("run", runID),
		logx.Int("sent", res.sent),
		logx.Int("failed", res.failed),
		logx.Int("skipped", res.skipped))
	e.publish(eventbus.EventRunFinished, map[string]any{
		"campaign_id": c.ID, "account_id": c.AccountID, "run_id": runID,
		"sent": res.sent, "failed": res.failed, "skipped": res.skipped,
	})

	sleepCtx(ctx, e.drawPostRunPause(rng, e.adm.InWarmup(c.AccountID)))
}

// drawPostRunPause picks the rest after a run from the configured range.
// Warm-up accounts draw from the shorter warm-up range.
func (e *Executor) drawPostRunPause(rng *rand.Rand, warmup bool) time.Duration {
	if warmup {
		return drawDuration(rng, e.cfg.WarmupPostRunPauseMin, e.cfg.WarmupPostRunPauseMax)
	}
	return drawDuration(rng, e.cfg.PostRunPauseMin, e.cfg.PostRunPauseMax)
}

type runResult struct {
	outcomes []campaign.DeliveryOutcome
	sent     int
	failed   int
	skipped  int
}

// deliver walks the target list, gating every send through the global
// limiter and the admission controller. Targets hit by a recoverable flood
// wait collect into a retry list that is walked exactly once after the main
// pass.
func (e *Executor) deliver(ctx context.Context, c campaign.Campaign, client transport.Client, runID string, targets []string, msg transport.RenderedMessage, log logx.Logger) runResult {
	var res runResult
	delay := e.adm.MessageDelayFor(c.AccountID)

	var floodRetry []string // targets deferred to the single retry pass
	var floodWait time.Duration
	consecFail := 0

	record := func(target string, ok bool, messageID, reason string) {
		res.outcomes = append(res.outcomes, campaign.DeliveryOutcome{
			CampaignID: c.ID, RunID: runID, Target: target,
			OK: ok, MessageID: messageID, Reason: reason, At: time.Now(),
		})
	}
	skipRest := func(from int, why string) {
		for _, t := range targets[from:] {
			record(t, false, "", "skipped: "+why)
			res.skipped++
		}
	}

mainPass:
	for i, target := range targets {
		if ctx.Err() != nil {
			skipRest(i, "shutdown")
			return res
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				skipRest(i, "shutdown")
				return res
			}
		}
		if ok, reason := e.adm.CanSendMessage(c.AccountID); !ok {
			log.Info("run cut short by admission", logx.String("reason", reason))
			skipRest(i, reason)
			return res
		}

		sendRes, err := client.Send(ctx, target, msg)
		switch {
		case err == nil:
			record(target, true, sendRes.MessageID, "")
			res.sent++
			consecFail = 0
			e.adm.RecordMessageSent(c.AccountID)
			if !sleepCtx(ctx, delay) {
				skipRest(i+1, "shutdown")
				return res
			}

		case isFloodWait(err):
			wait := floodWaitOf(err)
			e.adm.RecordFloodWait(c.AccountID, wait)
			if wait > e.cfg.FloodAbortAfter {
				log.Warn("flood wait too long, aborting run", logx.Duration("wait", wait))
				record(target, false, "", "flood wait "+wait.String())
				res.failed++
				skipRest(i+1, "flood wait too long")
				return res
			}
			// The account is now restricted for the wait, so the main pass
			// cannot continue. Everything unsent moves to the retry pass.
			log.Warn("flood wait, deferring remaining targets",
				logx.String("target", target),
				logx.Int("deferred", len(targets)-i),
				logx.Duration("wait", wait))
			floodRetry = append(floodRetry, targets[i:]...)
			floodWait = wait
			break mainPass

		case isPeerFlood(err):
			e.adm.RecordPeerFlood(c.AccountID)
			record(target, false, "", "peer flood")
			res.failed++
			skipRest(i+1, "account restricted: peer flood")
			return res

		default:
			record(target, false, "", err.Error())
			res.failed++
			consecFail++
			if consecFail >= e.cfg.MaxConsecutiveFailures {
				log.Error("too many consecutive send failures, aborting run", logx.Err(err))
				e.sessions.Invalidate(c.AccountID)
				skipRest(i+1, "too many consecutive failures")
				return res
			}
		}
	}

	// Single retry pass for flood-waited targets. A second flood wait on the
	// same target is final.
	if len(floodRetry) > 0 {
		log.Info("retrying flood-waited targets",
			logx.Int("targets", len(floodRetry)),
			logx.Duration("after", floodWait))
		if !sleepCtx(ctx, floodWait+time.Second) {
			for _, t := range floodRetry {
				record(t, false, "", "skipped: shutdown")
				res.skipped++
			}
			return res
		}
		for _, target := range floodRetry {
			if ok, reason := e.adm.CanSendMessage(c.AccountID); !ok {
				record(target, false, "", "retry denied: "+reason)
				res.failed++
				continue
			}
			sendRes, err := client.Send(ctx, target, msg)
			if err != nil {
				if wait := floodWaitOf(err); wait > 0 {
					e.adm.RecordFloodWait(c.AccountID, wait)
				}
				record(target, false, "", "retry failed: "+err.Error())
				res.failed++
				continue
			}
			record(target, true, sendRes.MessageID, "")
			res.sent++
			e.adm.RecordMessageSent(c.AccountID)
			if !sleepCtx(ctx, delay) {
				return res
			}
		}
	}
	return res
}

// connect dials with bounded retries and doubling delay. Campaign runs pass
// cacheable=false so every run starts on its own connection; interactive
// callers reuse the pool's cached session.
func (e *Executor) connect(ctx context.Context, accountID string, cacheable bool, log logx.Logger) (transport.Client, error) {
	delay := e.cfg.ConnectRetryDelay
	var lastErr error
	for attempt := 1; attempt <= e.cfg.ConnectAttempts; attempt++ {
		client, err := e.sessions.Acquire(ctx, accountID, cacheable)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.Warn("session acquire failed",
			logx.Int("attempt", attempt),
			logx.Err(err))
		if attempt == e.cfg.ConnectAttempts {
			break
		}
		e.sessions.Invalidate(accountID)
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, lastErr
}

func (e *Executor) resolveTargets(ctx context.Context, c campaign.Campaign) ([]string, error) {
	if !c.AllGroups {
		return append([]string(nil), c.Targets...), nil
	}
	return e.store.AccountGroups(ctx, c.AccountID)
}

func (e *Executor) publish(typ string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func isFloodWait(err error) bool {
	var fw *transport.FloodWaitError
	return errors.As(err, &fw)
}

func floodWaitOf(err error) time.Duration {
	var fw *transport.FloodWaitError
	if errors.As(err, &fw) {
		if fw.RetryAfter > 0 {
			return fw.RetryAfter
		}
		return time.Minute
	}
	return 0
}

func isPeerFlood(err error) bool {
	var pf *transport.PeerFloodError
	return errors.As(err, &pf)
}

// sleepCtx sleeps for d unless the context ends first. Returns false on
// context end.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
