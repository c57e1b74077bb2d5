package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns the pool's
// lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS clients (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	subdomain        TEXT,
	subdomain_status TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaigns (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL REFERENCES clients(id),
	name        TEXT NOT NULL DEFAULT '',
	credentials JSONB NOT NULL DEFAULT '{}',
	stages      JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
	message_sent      BOOLEAN NOT NULL DEFAULT false,
	last_contacted    TIMESTAMPTZ,
	personalization   JSONB,
	error             TEXT,
	profile_reachable BOOLEAN NOT NULL DEFAULT true,
	replied           BOOLEAN NOT NULL DEFAULT false,
	salesforce_id     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_campaign_stage ON leads(campaign_id, message_stage);
CREATE INDEX IF NOT EXISTS idx_leads_last_contacted ON leads(campaign_id, last_contacted);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	campaign_id    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'queued',
	progress       DOUBLE PRECISION NOT NULL DEFAULT 0,
	error          TEXT,
	error_category TEXT,
	max_profiles   INTEGER NOT NULL,
	batch_size     INTEGER NOT NULL,
	result         JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON jobs(campaign_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	resultJSON, err := marshalNullable(job.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job result")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, campaign_id, status, progress, max_profiles, batch_size, result, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.CampaignID, string(job.Status), job.Progress, job.MaxProfiles, job.BatchSize,
		resultJSON, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var j model.Job
	var resultJSON *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID,
	).Scan(&j.ID, &j.CampaignID, &j.Status, &j.Progress, &j.Error, &j.ErrorCategory,
		&j.MaxProfiles, &j.BatchSize, &resultJSON, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}

	if resultJSON != nil {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal(*resultJSON, j.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job result")
		}
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error {
	sets, args, err := jobPatchSets(patch, func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return eris.Wrap(err, "postgres: update job")
	}

	args = append(args, jobID)
	query := fmt.Sprintf(
		`UPDATE jobs SET %s WHERE id = $%d AND status NOT IN ('completed', 'failed')`,
		strings.Join(sets, ", "), len(args),
	)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobClosed, "postgres: update job %s", jobID)
	}
	return nil
}

// --- Campaigns and clients ---

func (s *PostgresStore) GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	var c model.Campaign
	var credsJSON, stagesJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, client_id, name, credentials, stages, created_at, updated_at FROM campaigns WHERE id = $1`,
		campaignID,
	).Scan(&c.ID, &c.ClientID, &c.Name, &credsJSON, &stagesJSON, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get campaign %s", campaignID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get campaign %s", campaignID)
	}

	if err := decodeCampaign(&c, credsJSON, stagesJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: get campaign")
	}
	return &c, nil
}

func (s *PostgresStore) SaveCampaign(ctx context.Context, c *model.Campaign) error {
	credsJSON, stagesJSON, err := encodeCampaign(c)
	if err != nil {
		return eris.Wrap(err, "postgres: save campaign")
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, client_id, name, credentials, stages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (id) DO UPDATE SET client_id = EXCLUDED.client_id, name = EXCLUDED.name,
		   credentials = EXCLUDED.credentials, stages = EXCLUDED.stages, updated_at = EXCLUDED.updated_at`,
		c.ID, c.ClientID, c.Name, credsJSON, stagesJSON, now,
	)
	return eris.Wrapf(err, "postgres: save campaign %s", c.ID)
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*model.Client, error) {
	var c model.Client
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(subdomain, ''), COALESCE(subdomain_status, ''), created_at FROM clients WHERE id = $1`,
		clientID,
	).Scan(&c.ID, &c.Name, &c.Subdomain, &c.SubdomainStatus, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get client %s", clientID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get client %s", clientID)
	}
	return &c, nil
}

func (s *PostgresStore) SaveClient(ctx context.Context, c *model.Client) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id, name, subdomain, subdomain_status)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
		   subdomain = EXCLUDED.subdomain, subdomain_status = EXCLUDED.subdomain_status`,
		c.ID, c.Name, c.Subdomain, c.SubdomainStatus,
	)
	return eris.Wrapf(err, "postgres: save client %s", c.ID)
}

// --- Leads ---

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query, args := leadQuery(filter, func(n int) string { return fmt.Sprintf("$%d", n) }, func(t time.Time) any { return t })

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		var l model.Lead
		var personalization *[]byte
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.FirstName, &l.LastName, &l.Company, &l.Position,
			&l.ProfileURL, &l.MessageStage, &l.MessageSent, &l.LastContacted, &personalization,
			&l.Error, &l.ProfileReachable, &l.Replied, &l.SalesforceID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		if personalization != nil {
			l.Personalization = json.RawMessage(*personalization)
		}
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

var leadImportColumns = []string{
	"id", "campaign_id", "first_name", "last_name", "company", "position", "profile_url",
	"personalization", "profile_reachable", "replied", "salesforce_id",
}

// SaveLeads bulk-upserts lead profile data. Sequence progress columns are
// never overwritten for leads that already exist.
func (s *PostgresStore) SaveLeads(ctx context.Context, leads []model.Lead) (int64, error) {
	rows := make([][]any, 0, len(leads))
	for _, l := range leads {
		var personalization any
		if len(l.Personalization) > 0 {
			personalization = []byte(l.Personalization)
		}
		rows = append(rows, []any{
			l.ID, l.CampaignID, l.FirstName, l.LastName, l.Company, l.Position, l.ProfileURL,
			personalization, l.ProfileReachable, l.Replied, l.SalesforceID,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "leads",
		Columns:      leadImportColumns,
		ConflictKeys: []string{"id"},
		UpdateCols: []string{
			"first_name", "last_name", "company", "position", "profile_url",
			"personalization", "profile_reachable", "replied", "salesforce_id",
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: save leads")
}

func (s *PostgresStore) GetLeadStage(ctx context.Context, leadID string) (*int, error) {
	var stage *int
	err := s.pool.QueryRow(ctx, `SELECT message_stage FROM leads WHERE id = $1`, leadID).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get lead stage %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead stage %s", leadID)
	}
	return stage, nil
}

func (s *PostgresStore) MarkLeadSent(ctx context.Context, leadID string, stage int, at time.Time) (bool, error) {
	query := `UPDATE leads SET message_sent = true, message_stage = $1, last_contacted = $2, error = NULL
		WHERE id = $3 AND message_stage IS NULL`
	args := []any{stage, at, leadID}
	if stage > 1 {
		query = `UPDATE leads SET message_sent = true, message_stage = $1, last_contacted = $2, error = NULL
		WHERE id = $3 AND message_stage = $4`
		args = append(args, stage-1)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark lead sent %s", leadID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkLeadFailed(ctx context.Context, leadID string, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE leads SET error = $1 WHERE id = $2`, reason, leadID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark lead failed %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: mark lead failed %s", leadID)
	}
	return nil
}
