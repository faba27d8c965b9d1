package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"campaigner/internal/admission"
	"campaigner/internal/campaign"
	logx "campaigner/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// sqliteStore is the durable backend for installations that outgrow the JSON
// snapshot. Campaigns and outcomes get real columns; rate state stays a JSON
// blob since it is only ever read back whole.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func OpenSQLite(path string, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) PutCampaign(ctx context.Context, c campaign.Campaign) error {
	targets, err := json.Marshal(c.Targets)
	if err != nil {
		return err
	}
	cadence, err := json.Marshal(c.Cadence)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, account_id, content, targets, all_groups, cadence, active, immediate, created_at, last_run_at, sent_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			account_id = excluded.account_id,
			content = excluded.content,
			targets = excluded.targets,
			all_groups = excluded.all_groups,
			cadence = excluded.cadence,
			active = excluded.active,
			immediate = excluded.immediate,
			last_run_at = excluded.last_run_at,
			sent_count = excluded.sent_count`,
		c.ID, c.Name, c.AccountID, c.Content, string(targets), boolInt(c.AllGroups),
		string(cadence), boolInt(c.Active), boolInt(c.Immediate),
		fmtTime(c.CreatedAt), fmtTime(c.LastRunAt), c.SentCount)
	return err
}

func (s *sqliteStore) Campaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, account_id, content, targets, all_groups, cadence, active, immediate, created_at, last_run_at, sent_count
		FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) Campaigns(ctx context.Context) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, account_id, content, targets, all_groups, cadence, active, immediate, created_at, last_run_at, sent_count
		FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateCampaignStats(ctx context.Context, id string, lastRun time.Time, sentDelta int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET last_run_at = ?, sent_count = sent_count + ? WHERE id = ?`,
		fmtTime(lastRun), sentDelta, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecordOutcomes(ctx context.Context, outs []campaign.DeliveryOutcome) error {
	if len(outs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (campaign_id, run_id, target, ok, message_id, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outs {
		if _, err := stmt.ExecContext(ctx, o.CampaignID, o.RunID, o.Target, boolInt(o.OK), o.MessageID, o.Reason, fmtTime(o.At)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Outcomes(ctx context.Context, campaignID string, limit int) ([]campaign.DeliveryOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT campaign_id, run_id, target, ok, message_id, reason, at FROM outcomes`
	args := []any{}
	if campaignID != "" {
		q += ` WHERE campaign_id = ?`
		args = append(args, campaignID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.DeliveryOutcome
	for rows.Next() {
		var o campaign.DeliveryOutcome
		var ok int
		var at string
		if err := rows.Scan(&o.CampaignID, &o.RunID, &o.Target, &ok, &o.MessageID, &o.Reason, &at); err != nil {
			return nil, err
		}
		o.OK = ok != 0
		o.At = parseTime(at)
		out = append(out, o)
	}
	// Flip to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertRateStates(ctx context.Context, states []admission.RateState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_rate (account_id, state, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
			st.AccountID, string(raw), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RateStates(ctx context.Context) ([]admission.RateState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM account_rate ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []admission.RateState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st admission.RateState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("store: corrupt rate state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutAccountGroups(ctx context.Context, accountID string, groups []string) error {
	raw, err := json.Marshal(groups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO account_groups (account_id, groups, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET groups = excluded.groups, updated_at = excluded.updated_at`,
		accountID, string(raw), fmtTime(time.Now()))
	return err
}

func (s *sqliteStore) AccountGroups(ctx context.Context, accountID string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT groups FROM account_groups WHERE account_id = ?`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("store: corrupt group list: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (campaign.Campaign, error) {
	var c campaign.Campaign
	var targets, cadence, createdAt, lastRunAt string
	var allGroups, active, immediate int
	if err := r.Scan(&c.ID, &c.Name, &c.AccountID, &c.Content, &targets, &allGroups,
		&cadence, &active, &immediate, &createdAt, &lastRunAt, &c.SentCount); err != nil {
		return campaign.Campaign{}, err
	}
	if err := json.Unmarshal([]byte(targets), &c.Targets); err != nil {
		return campaign.Campaign{}, fmt.Errorf("store: corrupt targets for %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(cadence), &c.Cadence); err != nil {
		return campaign.Campaign{}, fmt.Errorf("store: corrupt cadence for %s: %w", c.ID, err)
	}
	c.AllGroups = allGroups != 0
	c.Active = active != 0
	c.Immediate = immediate != 0
	c.CreatedAt = parseTime(createdAt)
	c.LastRunAt = parseTime(lastRunAt)
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
