// Package dispatch owns the run pipeline: a bounded queue of run requests, a
// fixed worker pool draining it, and the executor that turns one request into
// a sequence of rate-limited sends. Backpressure is by rejection: a full
// queue refuses new requests rather than buffering without bound.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"campaigner/internal/campaign"
	"campaigner/internal/eventbus"
	logx "campaigner/pkg/logx"
)

// Runner executes one admitted run request. *Executor is the production
// implementation.
type Runner interface {
	Execute(ctx context.Context, req campaign.RunRequest)
}

type ServiceConfig struct {
	// QueueSize bounds the pending-request queue.
	QueueSize int
	// Workers is the number of concurrent drain goroutines.
	Workers int
	// Permits caps runs executing at the same time. A worker holds a permit
	// for the whole run, post-run pause included.
	Permits int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Permits <= 0 {
		c.Permits = 2
	}
	return c
}

// Service is the queue plus worker pool. Start/Stop bracket its lifetime;
// Enqueue is safe from any goroutine in between.
type Service struct {
	cfg    ServiceConfig
	log    logx.Logger
	bus    eventbus.Bus
	runner Runner

	mu       sync.Mutex
	started  bool
	inflight map[string]bool

	queue   chan campaign.RunRequest
	permits chan struct{}

	// pullCtx gates queue reads and is cancelled the moment Stop begins.
	// runCtx covers executions and survives until the grace period expires,
	// so in-flight runs can finish cleanly.
	pullCtx    context.Context
	pullCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	wg         sync.WaitGroup
}

func NewService(cfg ServiceConfig, runner Runner, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		runner: runner,
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.inflight = map[string]bool{}

	s.queue = make(chan campaign.RunRequest, s.cfg.QueueSize)
	s.permits = make(chan struct{}, s.cfg.Permits)
	s.pullCtx, s.pullCancel = context.WithCancel(context.Background())
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info("dispatch started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.Int("permits", s.cfg.Permits))
}

// Stop drains: no new requests are accepted, in-flight runs get until the
// grace period to finish, then their contexts are cancelled. Queued but
// unstarted requests are dropped; schedules will fire them again.
func (s *Service) Stop(grace time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	pullCancel, runCancel := s.pullCancel, s.runCancel
	s.mu.Unlock()

	pullCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("dispatch stop grace expired, cancelling in-flight runs")
		runCancel()
		<-done
	}
	runCancel()
	s.log.Info("dispatch stopped")
}

// Enqueue offers a run request to the queue. It never blocks.
func (s *Service) Enqueue(req campaign.RunRequest) error {
	s.mu.Lock()
	started := s.started
	q := s.queue
	s.mu.Unlock()

	if q == nil {
		return ErrNotStarted
	}
	if !started {
		return ErrStopping
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	select {
	case q <- req:
		return nil
	default:
		s.log.Warn("run request dropped, queue full",
			logx.String("campaign", req.CampaignID),
			logx.String("reason", string(req.Reason)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.EventRunDropped,
				Data: map[string]any{"campaign_id": req.CampaignID, "why": "queue_full"},
			})
		}
		return ErrQueueFull
	}
}

// Pending reports queued-but-unstarted requests.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

// InFlight reports runs currently executing.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// claim marks a campaign as running. A second firing of the same campaign
// while one run is in flight is skipped rather than run concurrently.
func (s *Service) claim(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[campaignID] {
		return false
	}
	s.inflight[campaignID] = true
	return true
}

func (s *Service) release(campaignID string) {
	s.mu.Lock()
	delete(s.inflight, campaignID)
	s.mu.Unlock()
}

// workerIdleTick spaces the liveness debug line for workers with nothing to do.
const workerIdleTick = 5 * time.Minute

func (s *Service) worker(id int) {
	defer s.wg.Done()
	log := s.log.With(logx.Int("worker", id))
	idle := time.NewTicker(workerIdleTick)
	defer idle.Stop()
	for {
		select {
		case <-s.pullCtx.Done():
			return
		case <-idle.C:
			log.Debug("worker idle")
		case req := <-s.queue:
			idle.Reset(workerIdleTick)
			if !s.claim(req.CampaignID) {
				log.Debug("run already in flight, skipping",
					logx.String("campaign", req.CampaignID))
				continue
			}
			select {
			case s.permits <- struct{}{}:
			case <-s.pullCtx.Done():
				s.release(req.CampaignID)
				return
			}
			s.run(log, req)
			<-s.permits
			s.release(req.CampaignID)
		}
	}
}

func (s *Service) run(log logx.Logger, req campaign.RunRequest) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked",
				logx.String("campaign", req.CampaignID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	log.Debug("run picked up",
		logx.String("campaign", req.CampaignID),
		logx.String("reason", string(req.Reason)),
		logx.Duration("queued_for", time.Since(req.EnqueuedAt)))
	s.runner.Execute(s.runCtx, req)
}
