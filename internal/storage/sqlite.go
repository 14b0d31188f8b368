package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/outreach/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteFromDB(db), nil
}

// NewSQLiteFromDB wraps an already opened handle.
func NewSQLiteFromDB(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL,
			priority_score INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sends (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL REFERENCES contacts(id),
			tier TEXT NOT NULL,
			sequence_step INTEGER NOT NULL,
			template_id TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'sent',
			sent_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bounces (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL REFERENCES contacts(id),
			send_id TEXT REFERENCES sends(id),
			bounce_type TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unsubscribes (
			email TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			date TEXT PRIMARY KEY,
			total_sent INTEGER NOT NULL DEFAULT 0,
			bounces INTEGER NOT NULL DEFAULT 0,
			opens INTEGER NOT NULL DEFAULT 0,
			clicks INTEGER NOT NULL DEFAULT 0,
			unsubscribes INTEGER NOT NULL DEFAULT 0,
			spam_complaints INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_queue ON contacts(tier, priority_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sends_contact_step ON sends(contact_id, sequence_step)`,
		`CREATE INDEX IF NOT EXISTS idx_sends_sent_at ON sends(sent_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bounces_created ON bounces(created_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Contacts ---

const contactColumns = `id, email, first_name, last_name, company, tier, priority_score, state, attributes, created_at`

// CreateContact inserts a contact. It reports false without error when the
// email already exists.
func (s *SQLiteStorage) CreateContact(ctx context.Context, c *models.Contact) (bool, error) {
	attrs, err := json.Marshal(c.Attributes)
	if err != nil {
		return false, fmt.Errorf("encode attributes: %w", err)
	}
	if c.Attributes == nil {
		attrs = []byte("{}")
	}
	c.Email = models.NormalizeEmail(c.Email)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		c.ID, c.Email, c.FirstName, c.LastName, c.Company, c.Tier, c.PriorityScore, c.State, string(attrs), c.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStorage) scanContact(row interface{ Scan(...interface{}) error }) (*models.Contact, error) {
	var c models.Contact
	var attrs string
	err := row.Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Company, &c.Tier, &c.PriorityScore, &c.State, &attrs, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &c.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes for %s: %w", c.ID, err)
	}
	return &c, nil
}

func (s *SQLiteStorage) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := s.scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStorage) GetContactByEmail(ctx context.Context, email string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE email = ?`, models.NormalizeEmail(email))
	c, err := s.scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListEligibleContacts returns contacts of a tier that are neither excluded
// nor unsubscribed, highest priority first.
func (s *SQLiteStorage) ListEligibleContacts(ctx context.Context, tier string, limit int) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE tier = ? AND priority_score > ?
		   AND email NOT IN (SELECT email FROM unsubscribes)
		 ORDER BY priority_score DESC, created_at ASC
		 LIMIT ?`,
		tier, models.ExcludedPriority, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := s.scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

func (s *SQLiteStorage) ContactCountsByTier(ctx context.Context) ([]TierCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier,
		        COUNT(*),
		        SUM(CASE WHEN priority_score > ? AND email NOT IN (SELECT email FROM unsubscribes) THEN 1 ELSE 0 END),
		        SUM(CASE WHEN priority_score <= ? THEN 1 ELSE 0 END)
		 FROM contacts GROUP BY tier ORDER BY tier`,
		models.ExcludedPriority, models.ExcludedPriority)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []TierCount
	for rows.Next() {
		var tc TierCount
		if err := rows.Scan(&tc.Tier, &tc.Total, &tc.Active, &tc.Excluded); err != nil {
			return nil, err
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}

// --- Sends ---

const sendColumns = `id, contact_id, tier, sequence_step, template_id, subject, message_id, thread_id, status, sent_at`

// RecordSend stores the send and bumps the day's total_sent in one transaction.
func (s *SQLiteStorage) RecordSend(ctx context.Context, snd *models.Send, statDate string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if snd.Status == "" {
		snd.Status = models.SendSent
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sends (`+sendColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snd.ID, snd.ContactID, snd.Tier, snd.SequenceStep, snd.TemplateID, snd.Subject, snd.MessageID, snd.ThreadID, snd.Status, snd.SentAt.UTC(),
	); err != nil {
		return err
	}
	if err := incrementStat(ctx, tx, statDate, models.StatSent, 1); err != nil {
		return err
	}
	return tx.Commit()
}

func scanSend(row interface{ Scan(...interface{}) error }) (*models.Send, error) {
	var snd models.Send
	err := row.Scan(&snd.ID, &snd.ContactID, &snd.Tier, &snd.SequenceStep, &snd.TemplateID, &snd.Subject, &snd.MessageID, &snd.ThreadID, &snd.Status, &snd.SentAt)
	if err != nil {
		return nil, err
	}
	return &snd, nil
}

func (s *SQLiteStorage) ListSendsByContact(ctx context.Context, contactID string) ([]models.Send, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sendColumns+` FROM sends WHERE contact_id = ? ORDER BY sequence_step ASC, sent_at ASC`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sends []models.Send
	for rows.Next() {
		snd, err := scanSend(rows)
		if err != nil {
			return nil, err
		}
		sends = append(sends, *snd)
	}
	return sends, rows.Err()
}

func (s *SQLiteStorage) FirstSend(ctx context.Context, contactID string) (*models.Send, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM sends WHERE contact_id = ? ORDER BY sequence_step ASC, sent_at ASC LIMIT 1`, contactID)
	snd, err := scanSend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snd, err
}

func (s *SQLiteStorage) LatestSend(ctx context.Context, contactID string) (*models.Send, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM sends WHERE contact_id = ? ORDER BY sent_at DESC LIMIT 1`, contactID)
	snd, err := scanSend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snd, err
}

func (s *SQLiteStorage) HasSend(ctx context.Context, contactID string, step int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sends WHERE contact_id = ? AND sequence_step = ?`, contactID, step).Scan(&n)
	return n > 0, err
}

// CountSendsBetween counts sends with from <= sent_at < to.
func (s *SQLiteStorage) CountSendsBetween(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sends WHERE sent_at >= ? AND sent_at < ?`, from.UTC(), to.UTC()).Scan(&n)
	return n, err
}

func (s *SQLiteStorage) UpdateSendStatus(ctx context.Context, id string, status models.SendStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sends SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *SQLiteStorage) SendCountsByStep(ctx context.Context) ([]StepCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, sequence_step, COUNT(*) FROM sends GROUP BY tier, sequence_step ORDER BY tier, sequence_step`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []StepCount
	for rows.Next() {
		var sc StepCount
		if err := rows.Scan(&sc.Tier, &sc.Step, &sc.Sends); err != nil {
			return nil, err
		}
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}

// --- Bounces ---

// RecordBounce stores the bounce, bumps the day's bounce counter and, when
// exclude is set, demotes the contact to ExcludedPriority.
func (s *SQLiteStorage) RecordBounce(ctx context.Context, b *models.Bounce, exclude bool, statDate string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sendID interface{}
	if b.SendID != "" {
		sendID = b.SendID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bounces (id, contact_id, send_id, bounce_type, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.ContactID, sendID, b.BounceType, b.Reason, b.CreatedAt.UTC(),
	); err != nil {
		return err
	}
	if b.SendID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE sends SET status = ? WHERE id = ?`, models.SendBounced, b.SendID); err != nil {
			return err
		}
	}
	if exclude {
		if _, err := tx.ExecContext(ctx,
			`UPDATE contacts SET priority_score = ? WHERE id = ?`, models.ExcludedPriority, b.ContactID); err != nil {
			return err
		}
	}
	if err := incrementStat(ctx, tx, statDate, models.StatBounces, 1); err != nil {
		return err
	}
	return tx.Commit()
}

// TrailingBounces counts bounces recorded at or after since and after the
// most recent send.
func (s *SQLiteStorage) TrailingBounces(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bounces
		 WHERE created_at >= ?
		   AND created_at > COALESCE((SELECT MAX(sent_at) FROM sends), '')`, since.UTC()).Scan(&n)
	return n, err
}

// RecentOutcomes samples the last window sends plus any failed attempts and
// bounces recorded since the oldest of them.
func (s *SQLiteStorage) RecentOutcomes(ctx context.Context, window int) (*OutcomeSample, error) {
	out := &OutcomeSample{}

	var since time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT sent_at FROM sends ORDER BY sent_at DESC LIMIT 1 OFFSET ?`, window-1).Scan(&since)
	switch {
	case err == sql.ErrNoRows:
		// fewer than window sends: sample everything
	case err != nil:
		return nil, err
	default:
		out.Since = since
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM sends WHERE sent_at >= ?`, models.SendComplained, out.Since.UTC(),
	).Scan(&out.Sends, &out.SpamComplaints); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN send_id IS NULL THEN 1 ELSE 0 END), 0)
		 FROM bounces WHERE created_at >= ?`, out.Since.UTC(),
	).Scan(&out.Bounces, &out.FailedAttempts); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Unsubscribes ---

func (s *SQLiteStorage) AddUnsubscribe(ctx context.Context, u *models.Unsubscribe, statDate string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	u.Email = models.NormalizeEmail(u.Email)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO unsubscribes (email, reason, source, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		u.Email, u.Reason, u.Source, u.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := incrementStat(ctx, tx, statDate, models.StatUnsubscribes, 1); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStorage) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM unsubscribes WHERE email = ?`, models.NormalizeEmail(email)).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStorage) CountUnsubscribes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unsubscribes`).Scan(&n)
	return n, err
}

// --- Campaign state ---

func (s *SQLiteStorage) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM campaign_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStorage) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

func (s *SQLiteStorage) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaign_state WHERE key = ?`, key)
	return err
}

// --- Daily stats ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func incrementStat(ctx context.Context, db execer, date string, field models.StatField, n int64) error {
	if !field.Valid() {
		return fmt.Errorf("unknown stat field %q", field)
	}
	col := string(field)
	_, err := db.ExecContext(ctx,
		`INSERT INTO daily_stats (date, `+col+`) VALUES (?, ?)
		 ON CONFLICT(date) DO UPDATE SET `+col+` = `+col+` + excluded.`+col,
		date, n)
	return err
}

func (s *SQLiteStorage) IncrementStat(ctx context.Context, date string, field models.StatField, n int64) error {
	return incrementStat(ctx, s.db, date, field, n)
}

const statColumns = `date, total_sent, bounces, opens, clicks, unsubscribes, spam_complaints`

func scanStat(row interface{ Scan(...interface{}) error }) (*models.DailyStat, error) {
	var st models.DailyStat
	err := row.Scan(&st.Date, &st.TotalSent, &st.Bounces, &st.Opens, &st.Clicks, &st.Unsubscribes, &st.SpamComplaints)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetDailyStat returns a zero row for dates without activity.
func (s *SQLiteStorage) GetDailyStat(ctx context.Context, date string) (*models.DailyStat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+statColumns+` FROM daily_stats WHERE date = ?`, date)
	st, err := scanStat(row)
	if err == sql.ErrNoRows {
		return &models.DailyStat{Date: date}, nil
	}
	return st, err
}

func (s *SQLiteStorage) ListDailyStats(ctx context.Context, from, to string) ([]models.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statColumns+` FROM daily_stats WHERE date >= ? AND date <= ? ORDER BY date ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.DailyStat
	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *st)
	}
	return stats, rows.Err()
}

func (s *SQLiteStorage) TotalStats(ctx context.Context) (*models.DailyStat, error) {
	var st models.DailyStat
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_sent), 0), COALESCE(SUM(bounces), 0), COALESCE(SUM(opens), 0),
		        COALESCE(SUM(clicks), 0), COALESCE(SUM(unsubscribes), 0), COALESCE(SUM(spam_complaints), 0)
		 FROM daily_stats`,
	).Scan(&st.TotalSent, &st.Bounces, &st.Opens, &st.Clicks, &st.Unsubscribes, &st.SpamComplaints)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
