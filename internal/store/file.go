package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"campaigner/internal/admission"
	"campaigner/internal/campaign"
	logx "campaigner/pkg/logx"
)

// fileStore keeps everything except outcomes in one JSON snapshot, rewritten
// atomically on every mutation. Outcomes append to a JSONL sidecar so the
// snapshot stays small regardless of delivery volume.
type fileStore struct {
	mu   sync.Mutex
	path string
	log  logx.Logger

	campaigns map[string]campaign.Campaign
	states    map[string]admission.RateState
	groups    map[string][]string
}

type snapshot struct {
	Campaigns []campaign.Campaign   `json:"campaigns"`
	States    []admission.RateState `json:"rate_states"`
	Groups    map[string][]string   `json:"account_groups,omitempty"`
}

func OpenFile(path string, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &fileStore{
		path:      path,
		log:       log,
		campaigns: map[string]campaign.Campaign{},
		states:    map[string]admission.RateState{},
		groups:    map[string][]string{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("store: parse %s: %w", s.path, err)
	}
	for _, c := range snap.Campaigns {
		s.campaigns[c.ID] = c
	}
	for _, st := range snap.States {
		s.states[st.AccountID] = st
	}
	if snap.Groups != nil {
		s.groups = snap.Groups
	}
	s.log.Debug("snapshot loaded",
		logx.String("path", s.path),
		logx.Int("campaigns", len(s.campaigns)),
		logx.Int("rate_states", len(s.states)))
	return nil
}

// persist writes the snapshot via temp-file rename so a crash mid-write
// never corrupts the previous snapshot. Caller holds s.mu.
func (s *fileStore) persist() error {
	snap := snapshot{Groups: s.groups}
	for _, c := range s.campaigns {
		snap.Campaigns = append(snap.Campaigns, c)
	}
	sort.Slice(snap.Campaigns, func(i, j int) bool { return snap.Campaigns[i].ID < snap.Campaigns[j].ID })
	for _, st := range s.states {
		snap.States = append(snap.States, st)
	}
	sort.Slice(snap.States, func(i, j int) bool { return snap.States[i].AccountID < snap.States[j].AccountID })

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) PutCampaign(_ context.Context, c campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
	return s.persist()
}

func (s *fileStore) Campaign(_ context.Context, id string) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *fileStore) Campaigns(_ context.Context) ([]campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]campaign.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return ErrNotFound
	}
	delete(s.campaigns, id)
	return s.persist()
}

func (s *fileStore) UpdateCampaignStats(_ context.Context, id string, lastRun time.Time, sentDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.LastRunAt = lastRun
	c.SentCount += sentDelta
	s.campaigns[id] = c
	return s.persist()
}

func (s *fileStore) RecordOutcomes(_ context.Context, outs []campaign.DeliveryOutcome) error {
	if len(outs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.outcomesPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, o := range outs {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *fileStore) Outcomes(_ context.Context, campaignID string, limit int) ([]campaign.DeliveryOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.outcomesPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []campaign.DeliveryOutcome
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var o campaign.DeliveryOutcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue // skip torn tail lines
		}
		if campaignID == "" || o.CampaignID == campaignID {
			all = append(all, o)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *fileStore) UpsertRateStates(_ context.Context, states []admission.RateState) error {
	if len(states) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		s.states[st.AccountID] = st
	}
	return s.persist()
}

func (s *fileStore) RateStates(_ context.Context) ([]admission.RateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]admission.RateState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *fileStore) PutAccountGroups(_ context.Context, accountID string, groups []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[accountID] = append([]string(nil), groups...)
	return s.persist()
}

func (s *fileStore) AccountGroups(_ context.Context, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groups[accountID]...), nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) outcomesPath() string {
	ext := filepath.Ext(s.path)
	return strings.TrimSuffix(s.path, ext) + ".outcomes.jsonl"
}
