package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"campaigner/internal/admission"
	"campaigner/internal/campaign"
	logx "campaigner/pkg/logx"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenFile(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleCampaign(id string) campaign.Campaign {
	return campaign.Campaign{
		ID:        id,
		Name:      "test",
		AccountID: "a1",
		Content:   "hello",
		Targets:   []string{"100", "200"},
		Active:    true,
		Cadence:   campaign.Cadence{Kind: campaign.CadenceInterval, Interval: "every 15 minutes"},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestFileCampaignRoundtrip(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)
	ctx := context.Background()

	want := sampleCampaign("c1")
	if err := s.PutCampaign(ctx, want); err != nil {
		t.Fatal(err)
	}

	// Reopen from disk; the campaign must survive.
	s2, err := OpenFile(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.Campaign(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Content != want.Content || len(got.Targets) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Cadence.Kind != campaign.CadenceInterval {
		t.Fatalf("cadence lost: %+v", got.Cadence)
	}
}

func TestFileCampaignNotFound(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	if _, err := s.Campaign(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteCampaign(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
}

func TestFileUpdateCampaignStats(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.PutCampaign(ctx, sampleCampaign("c1")); err != nil {
		t.Fatal(err)
	}
	ran := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateCampaignStats(ctx, "c1", ran, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCampaignStats(ctx, "c1", ran, 3); err != nil {
		t.Fatal(err)
	}

	got, err := s.Campaign(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SentCount != 8 {
		t.Fatalf("sent count = %d, want 8", got.SentCount)
	}
	if !got.LastRunAt.Equal(ran) {
		t.Fatalf("last run = %s, want %s", got.LastRunAt, ran)
	}
}

func TestFileOutcomesAppendAndFilter(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()

	outs := []campaign.DeliveryOutcome{
		{CampaignID: "c1", RunID: "r1", Target: "100", OK: true, At: time.Now()},
		{CampaignID: "c1", RunID: "r1", Target: "200", OK: false, Reason: "peer flood", At: time.Now()},
		{CampaignID: "c2", RunID: "r2", Target: "300", OK: true, At: time.Now()},
	}
	if err := s.RecordOutcomes(ctx, outs); err != nil {
		t.Fatal(err)
	}

	got, err := s.Outcomes(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("c1 outcomes = %d, want 2", len(got))
	}

	all, err := s.Outcomes(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all outcomes = %d, want 3", len(all))
	}

	limited, err := s.Outcomes(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Target != "300" {
		t.Fatalf("limit should keep the newest: %+v", limited)
	}
}

func TestFileRateStateRoundtrip(t *testing.T) {
	t.Parallel()
	s, path := openTestStore(t)
	ctx := context.Background()

	states := []admission.RateState{
		{AccountID: "a1", SentToday: 7, LastReset: time.Now().UTC().Truncate(time.Second)},
		{AccountID: "a2", Warmup: true},
	}
	if err := s.UpsertRateStates(ctx, states); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenFile(path, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.RateStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("states = %d, want 2", len(got))
	}
	if got[0].AccountID != "a1" || got[0].SentToday != 7 {
		t.Fatalf("state a1 mismatch: %+v", got[0])
	}
	if !got[1].Warmup {
		t.Fatalf("state a2 lost warmup flag: %+v", got[1])
	}
}

func TestFileAccountGroups(t *testing.T) {
	t.Parallel()
	s, _ := openTestStore(t)
	ctx := context.Background()

	if err := s.PutAccountGroups(ctx, "a1", []string{"-100", "-200"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.AccountGroups(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "-100" {
		t.Fatalf("groups = %v", got)
	}

	none, err := s.AccountGroups(ctx, "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("unknown account groups = %v", none)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	f, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "s.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
