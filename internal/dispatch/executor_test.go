package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"campaigner/internal/campaign"
	"campaigner/internal/store"
	"campaigner/internal/transport"
	logx "campaigner/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]campaign.Campaign
	groups    map[string][]string
	outcomes  []campaign.DeliveryOutcome
	sentDelta int64
}

func newFakeStore(cs ...campaign.Campaign) *fakeStore {
	s := &fakeStore{campaigns: map[string]campaign.Campaign{}, groups: map[string][]string{}}
	for _, c := range cs {
		s.campaigns[c.ID] = c
	}
	return s
}

func (s *fakeStore) Campaign(_ context.Context, id string) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) UpdateCampaignStats(_ context.Context, id string, _ time.Time, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentDelta += delta
	return nil
}

func (s *fakeStore) RecordOutcomes(_ context.Context, outs []campaign.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outs...)
	return nil
}

func (s *fakeStore) AccountGroups(_ context.Context, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[accountID], nil
}

type fakeAdmission struct {
	mu             sync.Mutex
	denyCampaign   string // non-empty denies campaign admission with this reason
	messageBudget  int    // message sends allowed before denial; <0 = unlimited
	starts         int
	sent           int
	floodWaits     []time.Duration
	peerFloods     int
}

func (a *fakeAdmission) CanSendCampaign(string, int) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.denyCampaign != "" {
		return false, a.denyCampaign
	}
	return true, ""
}

func (a *fakeAdmission) CanSendMessage(string) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.messageBudget >= 0 && a.sent >= a.messageBudget {
		return false, "daily limit reached (1/1)"
	}
	return true, ""
}

func (a *fakeAdmission) RecordCampaignStart(string) {
	a.mu.Lock()
	a.starts++
	a.mu.Unlock()
}

func (a *fakeAdmission) RecordMessageSent(string) {
	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
}

func (a *fakeAdmission) RecordFloodWait(_ string, wait time.Duration) {
	a.mu.Lock()
	a.floodWaits = append(a.floodWaits, wait)
	a.mu.Unlock()
}

func (a *fakeAdmission) RecordPeerFlood(string) {
	a.mu.Lock()
	a.peerFloods++
	a.mu.Unlock()
}

func (a *fakeAdmission) MessageDelayFor(string) time.Duration { return 0 }
func (a *fakeAdmission) InWarmup(string) bool                 { return false }

type fakeClient struct {
	mu     sync.Mutex
	sends  []string
	closes int
	// errFor returns an error for a target on its nth attempt (1-based).
	errFor func(target string, attempt int) error
	tries  map[string]int
}

func (c *fakeClient) AccountID() string { return "acct" }
func (c *fakeClient) Authorized() bool  { return true }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(_ context.Context, target string, _ transport.RenderedMessage) (transport.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tries == nil {
		c.tries = map[string]int{}
	}
	c.tries[target]++
	if c.errFor != nil {
		if err := c.errFor(target, c.tries[target]); err != nil {
			return transport.SendResult{}, err
		}
	}
	c.sends = append(c.sends, target)
	return transport.SendResult{MessageID: "m-" + target}, nil
}

type fakeSessions struct {
	mu          sync.Mutex
	client      *fakeClient
	dialErr     error
	invalidated int
	acquires    []bool // cacheable flag per acquire
}

func (s *fakeSessions) Acquire(_ context.Context, _ string, cacheable bool) (transport.Client, error) {
	s.mu.Lock()
	s.acquires = append(s.acquires, cacheable)
	s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	return s.client, nil
}

func (s *fakeSessions) Invalidate(string) { s.invalidated++ }

func testCampaign(targets ...string) campaign.Campaign {
	return campaign.Campaign{
		ID:        "c1",
		AccountID: "acct",
		Content:   "hello",
		Targets:   targets,
		Active:    true,
		Cadence:   campaign.Cadence{Kind: campaign.CadenceHourly},
	}
}

func fastConfig() ExecutorConfig {
	return ExecutorConfig{
		ShuffleChunkMin:       1, // chunk size 1 keeps order deterministic
		ShuffleChunkMax:       1,
		ConnectAttempts:       2,
		ConnectRetryDelay:     time.Millisecond,
		FloodAbortAfter:       time.Minute,
		PostRunPauseMin:       time.Millisecond,
		PostRunPauseMax:       time.Millisecond,
		WarmupPostRunPauseMin: time.Millisecond,
		WarmupPostRunPauseMax: time.Millisecond,
	}
}

func newTestExecutor(st *fakeStore, adm *fakeAdmission, sess *fakeSessions) *Executor {
	return NewExecutor(fastConfig(), st, adm, sess, nil, nil, logx.Nop())
}

func TestExecuteDeliversAllTargets(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1", "2", "3"))
	adm := &fakeAdmission{messageBudget: -1}
	client := &fakeClient{}
	e := newTestExecutor(st, adm, &fakeSessions{client: client})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1", Reason: campaign.RunScheduled})

	if len(client.sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(client.sends))
	}
	if len(st.outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(st.outcomes))
	}
	for _, o := range st.outcomes {
		if !o.OK || o.MessageID == "" {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
	if adm.starts != 1 || adm.sent != 3 {
		t.Fatalf("admission calls: starts=%d sent=%d", adm.starts, adm.sent)
	}
	if st.sentDelta != 3 {
		t.Fatalf("stats delta = %d, want 3", st.sentDelta)
	}
}

func TestExecuteStaleRequestIsNoop(t *testing.T) {
	t.Parallel()
	st := newFakeStore() // campaign deleted while queued
	adm := &fakeAdmission{messageBudget: -1}
	e := newTestExecutor(st, adm, &fakeSessions{client: &fakeClient{}})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "gone"})

	if len(st.outcomes) != 0 || adm.starts != 0 {
		t.Fatalf("stale request caused side effects: outcomes=%d starts=%d", len(st.outcomes), adm.starts)
	}
}

func TestExecutePausedCampaignSkipped(t *testing.T) {
	t.Parallel()
	c := testCampaign("1")
	c.Active = false
	st := newFakeStore(c)
	adm := &fakeAdmission{messageBudget: -1}
	e := newTestExecutor(st, adm, &fakeSessions{client: &fakeClient{}})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if len(st.outcomes) != 0 || adm.starts != 0 {
		t.Fatal("paused campaign must not run")
	}
}

func TestExecuteNotAdmitted(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1", "2"))
	adm := &fakeAdmission{denyCampaign: "cooldown active (10m remaining)", messageBudget: -1}
	client := &fakeClient{}
	e := newTestExecutor(st, adm, &fakeSessions{client: client})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if len(client.sends) != 0 || len(st.outcomes) != 0 || adm.starts != 0 {
		t.Fatal("denied run must produce no sends or outcomes")
	}
}

func TestExecuteQuotaCutsRunShort(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1", "2", "3"))
	adm := &fakeAdmission{messageBudget: 1}
	client := &fakeClient{}
	e := newTestExecutor(st, adm, &fakeSessions{client: client})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if len(client.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(client.sends))
	}
	if len(st.outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3 (1 ok + 2 skipped)", len(st.outcomes))
	}
	skipped := 0
	for _, o := range st.outcomes {
		if !o.OK {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
}

func TestExecutePeerFloodAbortsRun(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1", "2", "3"))
	adm := &fakeAdmission{messageBudget: -1}
	client := &fakeClient{errFor: func(target string, _ int) error {
		if target == "2" {
			return &transport.PeerFloodError{Reason: "PEER_FLOOD"}
		}
		return nil
	}}
	e := newTestExecutor(st, adm, &fakeSessions{client: client})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if adm.peerFloods != 1 {
		t.Fatalf("peer floods recorded = %d, want 1", adm.peerFloods)
	}
	if len(st.outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(st.outcomes))
	}
	// Target 1 ok, target 2 failed, target 3 skipped.
	ok, failed := 0, 0
	for _, o := range st.outcomes {
		if o.OK {
			ok++
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 2 {
		t.Fatalf("ok=%d failed=%d, want 1/2", ok, failed)
	}
}

func TestExecuteFloodWaitRetriesOnce(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1", "2", "3"))
	adm := &fakeAdmission{messageBudget: -1}
	client := &fakeClient{errFor: func(target string, attempt int) error {
		if target == "2" && attempt == 1 {
			return &transport.FloodWaitError{RetryAfter: 10 * time.Millisecond}
		}
		return nil
	}}
	e := newTestExecutor(st, adm, &fakeSessions{client: client})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if len(adm.floodWaits) != 1 || adm.floodWaits[0] != 10*time.Millisecond {
		t.Fatalf("flood waits = %v", adm.floodWaits)
	}
	// Target 1 sent in the main pass; 2 and 3 deferred and delivered in the
	// retry pass.
	if len(client.sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(client.sends))
	}
	okCount := 0
	for _, o := range st.outcomes {
		if o.OK {
			okCount++
		}
	}
	if okCount != 3 {
		t.Fatalf("ok outcomes = %d, want 3", okCount)
	}
}

func TestExecuteConsecutiveFailuresAbort(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1", "2", "3", "4", "5", "6", "7"))
	adm := &fakeAdmission{messageBudget: -1}
	client := &fakeClient{errFor: func(string, int) error {
		return errors.New("connection reset")
	}}
	sess := &fakeSessions{client: client}
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3
	e := NewExecutor(cfg, st, adm, sess, nil, nil, logx.Nop())

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if len(client.sends) != 0 {
		t.Fatalf("no send should have succeeded")
	}
	if sess.invalidated == 0 {
		t.Fatal("session should be invalidated after repeated failures")
	}
	if len(st.outcomes) != 7 {
		t.Fatalf("outcomes = %d, want 7 (3 failed + 4 skipped)", len(st.outcomes))
	}
}

func TestExecuteDialFailure(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1"))
	adm := &fakeAdmission{messageBudget: -1}
	sess := &fakeSessions{dialErr: errors.New("unauthorized")}
	e := newTestExecutor(st, adm, sess)

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if len(st.outcomes) != 0 || adm.starts != 0 {
		t.Fatal("run must fail before any delivery when dial fails")
	}
	if sess.invalidated == 0 {
		t.Fatal("failed dial should invalidate between attempts")
	}
}

func TestExecuteDiscoveryTargets(t *testing.T) {
	t.Parallel()
	c := testCampaign()
	c.AllGroups = true
	st := newFakeStore(c)
	st.groups["acct"] = []string{"10", "11"}
	adm := &fakeAdmission{messageBudget: -1}
	client := &fakeClient{}
	e := newTestExecutor(st, adm, &fakeSessions{client: client})

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1"})

	if len(client.sends) != 2 {
		t.Fatalf("sends = %d, want 2 discovered targets", len(client.sends))
	}
}

func TestExecuteScheduledRunUsesFreshSession(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1"))
	adm := &fakeAdmission{messageBudget: -1}
	client := &fakeClient{}
	sess := &fakeSessions{client: client}
	e := newTestExecutor(st, adm, sess)

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1", Reason: campaign.RunScheduled})

	if len(sess.acquires) != 1 || sess.acquires[0] {
		t.Fatalf("scheduled run must acquire non-cacheable, got %v", sess.acquires)
	}
	if client.closes != 1 {
		t.Fatalf("fresh session closes = %d, want 1", client.closes)
	}
}

func TestExecuteManualRunReusesCachedSession(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testCampaign("1"))
	adm := &fakeAdmission{messageBudget: -1}
	client := &fakeClient{}
	sess := &fakeSessions{client: client}
	e := newTestExecutor(st, adm, sess)

	e.Execute(context.Background(), campaign.RunRequest{CampaignID: "c1", Reason: campaign.RunManual})

	if len(sess.acquires) != 1 || !sess.acquires[0] {
		t.Fatalf("manual run should acquire cacheable, got %v", sess.acquires)
	}
	if client.closes != 0 {
		t.Fatalf("cached session must stay open, closes = %d", client.closes)
	}
}

func TestPostRunPauseDrawnFromRange(t *testing.T) {
	t.Parallel()
	cfg := ExecutorConfig{
		PostRunPauseMin:       2 * time.Minute,
		PostRunPauseMax:       6 * time.Minute,
		WarmupPostRunPauseMin: 30 * time.Second,
		WarmupPostRunPauseMax: 90 * time.Second,
	}
	e := NewExecutor(cfg, nil, nil, nil, nil, nil, logx.Nop())
	rng := newTestRand()

	for i := 0; i < 100; i++ {
		if p := e.drawPostRunPause(rng, false); p < cfg.PostRunPauseMin || p > cfg.PostRunPauseMax {
			t.Fatalf("pause %s outside [%s, %s]", p, cfg.PostRunPauseMin, cfg.PostRunPauseMax)
		}
		w := e.drawPostRunPause(rng, true)
		if w < cfg.WarmupPostRunPauseMin || w > cfg.WarmupPostRunPauseMax {
			t.Fatalf("warm-up pause %s outside [%s, %s]", w, cfg.WarmupPostRunPauseMin, cfg.WarmupPostRunPauseMax)
		}
		// The warm-up range sits strictly below the normal range.
		if w >= cfg.PostRunPauseMin {
			t.Fatalf("warm-up pause %s not shorter than normal minimum %s", w, cfg.PostRunPauseMin)
		}
	}
}

func TestShuffleChunkDrawnFromRange(t *testing.T) {
	t.Parallel()
	rng := newTestRand()
	for i := 0; i < 100; i++ {
		if n := drawInt(rng, 3, 7); n < 3 || n > 7 {
			t.Fatalf("chunk size %d outside [3, 7]", n)
		}
	}
	if n := drawInt(rng, 5, 5); n != 5 {
		t.Fatalf("degenerate range drew %d", n)
	}
}

func newTestRand() *rand.Rand { return rand.New(rand.NewSource(42)) }

func TestChunkShuffleKeepsChunkMembership(t *testing.T) {
	t.Parallel()
	in := []string{"a", "b", "c", "d", "e", "f", "g"}
	out := chunkShuffle(in, 3, newTestRand())
	if len(out) != len(in) {
		t.Fatalf("length changed: %d", len(out))
	}
	// Each chunk must contain the same members it started with.
	for start := 0; start < len(in); start += 3 {
		end := start + 3
		if end > len(in) {
			end = len(in)
		}
		want := map[string]bool{}
		for _, s := range in[start:end] {
			want[s] = true
		}
		for _, s := range out[start:end] {
			if !want[s] {
				t.Fatalf("element %q escaped its chunk: %v", s, out)
			}
		}
	}
}
