package schedule

import (
	"sync"
	"testing"
	"time"

	"campaigner/internal/campaign"
	logx "campaigner/pkg/logx"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	reqs []campaign.RunRequest
}

func (c *captureEnqueuer) Enqueue(req campaign.RunRequest) error {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return nil
}

func (c *captureEnqueuer) requests() []campaign.RunRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]campaign.RunRequest(nil), c.reqs...)
}

func (c *captureEnqueuer) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if len(c.requests()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("only %d requests after %s, want %d", len(c.requests()), timeout, n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func intervalCampaign(id, interval string) campaign.Campaign {
	return campaign.Campaign{
		ID:        id,
		AccountID: "a",
		Content:   "x",
		Targets:   []string{"1"},
		Active:    true,
		Cadence:   campaign.Cadence{Kind: campaign.CadenceInterval, Interval: interval},
	}
}

func TestScheduleBadIntervalFallsBack(t *testing.T) {
	t.Parallel()
	enq := &captureEnqueuer{}
	s := New(enq, logx.Nop())
	s.Start()
	defer s.Stop()

	// Unparseable interval must not fail; it schedules on the fallback.
	if err := s.Schedule(intervalCampaign("c1", "whenever you like"), 0); err != nil {
		t.Fatalf("fallback path returned error: %v", err)
	}
	if !s.Scheduled("c1") {
		t.Fatal("campaign not registered")
	}
}

func TestImmediateFiresOnSchedule(t *testing.T) {
	t.Parallel()
	enq := &captureEnqueuer{}
	s := New(enq, logx.Nop())
	s.Start()
	defer s.Stop()

	c := intervalCampaign("c1", "1h")
	c.Immediate = true
	if err := s.Schedule(c, 0); err != nil {
		t.Fatal(err)
	}

	enq.waitFor(t, 1, time.Second)
	reqs := enq.requests()
	if reqs[0].CampaignID != "c1" || reqs[0].Reason != campaign.RunImmediate {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
}

func TestImmediateHonorsStaggerDelay(t *testing.T) {
	t.Parallel()
	enq := &captureEnqueuer{}
	s := New(enq, logx.Nop())
	s.Start()
	defer s.Stop()

	c := intervalCampaign("c1", "1h")
	c.Immediate = true
	if err := s.Schedule(c, 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(enq.requests()); n != 0 {
		t.Fatalf("fired before stagger delay: %d requests", n)
	}
	enq.waitFor(t, 1, time.Second)
}

func TestUnscheduleStopsFiring(t *testing.T) {
	t.Parallel()
	enq := &captureEnqueuer{}
	s := New(enq, logx.Nop())
	s.Start()
	defer s.Stop()

	c := intervalCampaign("c1", "1h")
	c.Immediate = true
	if err := s.Schedule(c, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	s.Unschedule("c1")

	time.Sleep(150 * time.Millisecond)
	if n := len(enq.requests()); n != 0 {
		t.Fatalf("unscheduled campaign fired %d times", n)
	}
	if s.Scheduled("c1") {
		t.Fatal("campaign still registered after unschedule")
	}
}

func TestRescheduleReplacesOldVersion(t *testing.T) {
	t.Parallel()
	enq := &captureEnqueuer{}
	s := New(enq, logx.Nop())
	s.Start()
	defer s.Stop()

	c := intervalCampaign("c1", "1h")
	c.Immediate = true
	if err := s.Schedule(c, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	// Replacing before the immediate timer fires invalidates the old version.
	c.Immediate = false
	if err := s.Schedule(c, 0); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if n := len(enq.requests()); n != 0 {
		t.Fatalf("stale version fired %d times", n)
	}
}

func TestOnceCadenceUsesTimer(t *testing.T) {
	t.Parallel()
	enq := &captureEnqueuer{}
	s := New(enq, logx.Nop())
	s.Start()
	defer s.Stop()

	// A once cadence in the past rolls to tomorrow; it must register without
	// firing now.
	c := campaign.Campaign{
		ID:        "c1",
		AccountID: "a",
		Content:   "x",
		Targets:   []string{"1"},
		Active:    true,
		Cadence:   campaign.Cadence{Kind: campaign.CadenceOnce, At: "00:00"},
	}
	if err := s.Schedule(c, 0); err != nil {
		t.Fatal(err)
	}
	if !s.Scheduled("c1") {
		t.Fatal("once campaign not registered")
	}
	if n := len(enq.requests()); n != 0 {
		t.Fatalf("once campaign fired immediately: %d", n)
	}
}
