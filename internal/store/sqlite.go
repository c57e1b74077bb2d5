package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
)

// sqliteTimeLayout is fixed-width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS clients (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	subdomain        TEXT NOT NULL DEFAULT '',
	subdomain_status TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL REFERENCES clients(id),
	name        TEXT NOT NULL DEFAULT '',
	credentials TEXT NOT NULL DEFAULT '{}',
	stages      TEXT NOT NULL DEFAULT '[]',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
	campaign_id       TEXT NOT NULL REFERENCES campaigns(id),
	first_name        TEXT NOT NULL DEFAULT '',
	last_name         TEXT NOT NULL DEFAULT '',
	company           TEXT NOT NULL DEFAULT '',
	position          TEXT NOT NULL DEFAULT '',
	profile_url       TEXT NOT NULL DEFAULT '',
	message_stage     INTEGER,
	message_sent      INTEGER NOT NULL DEFAULT 0,
	last_contacted    TEXT,
	personalization   TEXT,
	error             TEXT,
	profile_reachable INTEGER NOT NULL DEFAULT 1,
	replied           INTEGER NOT NULL DEFAULT 0,
	salesforce_id     TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_campaign_stage ON leads(campaign_id, message_stage);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	campaign_id    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'queued',
	progress       REAL NOT NULL DEFAULT 0,
	error          TEXT,
	error_category TEXT,
	max_profiles   INTEGER NOT NULL,
	batch_size     INTEGER NOT NULL,
	result         TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	resultJSON, err := marshalNullable(job.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, campaign_id, status, progress, max_profiles, batch_size, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CampaignID, string(job.Status), job.Progress, job.MaxProfiles, job.BatchSize,
		nullString(resultJSON), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var j model.Job
	var resultJSON sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID,
	).Scan(&j.ID, &j.CampaignID, &j.Status, &j.Progress, &j.Error, &j.ErrorCategory,
		&j.MaxProfiles, &j.BatchSize, &resultJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}

	if resultJSON.Valid {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job result")
		}
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: get job")
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: get job")
	}
	return &j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error {
	sets, args, err := jobPatchSets(patch, func(int) string { return "?" })
	if err != nil {
		return eris.Wrap(err, "sqlite: update job")
	}
	args = sqliteArgs(args)
	args = append(args, jobID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", jobID)
	}
	return checkRowsAffected(res, ErrJobClosed, "sqlite: update job "+jobID)
}

// --- Campaigns and clients ---

func (s *SQLiteStore) GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	var c model.Campaign
	var creds, stages, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, name, credentials, stages, created_at, updated_at FROM campaigns WHERE id = ?`,
		campaignID,
	).Scan(&c.ID, &c.ClientID, &c.Name, &creds, &stages, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get campaign %s", campaignID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get campaign %s", campaignID)
	}

	if err := decodeCampaign(&c, []byte(creds), []byte(stages)); err != nil {
		return nil, eris.Wrap(err, "sqlite: get campaign")
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: get campaign")
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: get campaign")
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCampaign(ctx context.Context, c *model.Campaign) error {
	creds, stages, err := encodeCampaign(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: save campaign")
	}
	now := formatTime(time.Now().UTC())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, client_id, name, credentials, stages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET client_id = excluded.client_id, name = excluded.name,
		   credentials = excluded.credentials, stages = excluded.stages, updated_at = excluded.updated_at`,
		c.ID, c.ClientID, c.Name, string(creds), string(stages), now, now,
	)
	return eris.Wrapf(err, "sqlite: save campaign %s", c.ID)
}

func (s *SQLiteStore) GetClient(ctx context.Context, clientID string) (*model.Client, error) {
	var c model.Client
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, subdomain, subdomain_status, created_at FROM clients WHERE id = ?`,
		clientID,
	).Scan(&c.ID, &c.Name, &c.Subdomain, &c.SubdomainStatus, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get client %s", clientID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get client %s", clientID)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: get client")
	}
	return &c, nil
}

func (s *SQLiteStore) SaveClient(ctx context.Context, c *model.Client) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, subdomain, subdomain_status, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name,
		   subdomain = excluded.subdomain, subdomain_status = excluded.subdomain_status`,
		c.ID, c.Name, c.Subdomain, c.SubdomainStatus, formatTime(time.Now().UTC()),
	)
	return eris.Wrapf(err, "sqlite: save client %s", c.ID)
}

// --- Leads ---

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query, args := leadQuery(filter, func(int) string { return "?" }, func(t time.Time) any { return formatTime(t) })

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) SaveLeads(ctx context.Context, leads []model.Lead) (int64, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: save leads begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (id, campaign_id, first_name, last_name, company, position, profile_url,
		   personalization, profile_reachable, replied, salesforce_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
		   company = excluded.company, position = excluded.position, profile_url = excluded.profile_url,
		   personalization = excluded.personalization, profile_reachable = excluded.profile_reachable,
		   replied = excluded.replied, salesforce_id = excluded.salesforce_id`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: save leads prepare")
	}
	defer stmt.Close() //nolint:errcheck

	base := time.Now().UTC()
	var n int64
	for i, l := range leads {
		// created_at preserves import order for ListLeads.
		res, err := stmt.ExecContext(ctx,
			l.ID, l.CampaignID, l.FirstName, l.LastName, l.Company, l.Position, l.ProfileURL,
			nullString(l.Personalization), l.ProfileReachable, l.Replied, l.SalesforceID,
			formatTime(base.Add(time.Duration(i)*time.Microsecond)),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: save lead %s", l.ID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: save leads commit")
	}
	return n, nil
}

func (s *SQLiteStore) GetLeadStage(ctx context.Context, leadID string) (*int, error) {
	var stage sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT message_stage FROM leads WHERE id = ?`, leadID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get lead stage %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead stage %s", leadID)
	}
	if !stage.Valid {
		return nil, nil
	}
	return model.Ptr(int(stage.Int64)), nil
}

func (s *SQLiteStore) MarkLeadSent(ctx context.Context, leadID string, stage int, at time.Time) (bool, error) {
	query := `UPDATE leads SET message_sent = 1, message_stage = ?, last_contacted = ?, error = NULL
		WHERE id = ? AND message_stage IS NULL`
	args := []any{stage, formatTime(at), leadID}
	if stage > 1 {
		query = `UPDATE leads SET message_sent = 1, message_stage = ?, last_contacted = ?, error = NULL
		WHERE id = ? AND message_stage = ?`
		args = append(args, stage-1)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark lead sent %s", leadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkLeadFailed(ctx context.Context, leadID string, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET error = ? WHERE id = ?`, reason, leadID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark lead failed %s", leadID)
	}
	return checkRowsAffected(res, ErrNotFound, "sqlite: mark lead failed "+leadID)
}

// checkRowsAffected returns missing wrapped with label when res touched no rows.
func checkRowsAffected(res sql.Result, missing error, label string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrap(missing, label)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var stage sql.NullInt64
	var lastContacted, personalization, leadErr sql.NullString

	if err := row.Scan(&l.ID, &l.CampaignID, &l.FirstName, &l.LastName, &l.Company, &l.Position,
		&l.ProfileURL, &stage, &l.MessageSent, &lastContacted, &personalization,
		&leadErr, &l.ProfileReachable, &l.Replied, &l.SalesforceID); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}

	if stage.Valid {
		l.MessageStage = model.Ptr(int(stage.Int64))
	}
	if lastContacted.Valid {
		t, err := parseTime(lastContacted.String)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: lead %s last_contacted", l.ID)
		}
		l.LastContacted = &t
	}
	if personalization.Valid {
		l.Personalization = json.RawMessage(personalization.String)
	}
	if leadErr.Valid {
		l.Error = model.Ptr(leadErr.String)
	}
	return &l, nil
}

// sqliteArgs converts driver-agnostic patch arguments to SQLite values.
func sqliteArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			out[i] = formatTime(v)
		case []byte:
			out[i] = string(v)
		default:
			out[i] = a
		}
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse time %q", s)
	}
	return t, nil
}

func nullString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
