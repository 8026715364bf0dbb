package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/db"
	"github.com/sells-group/dossier/internal/model"
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS research_jobs (
	id                 TEXT PRIMARY KEY,
	company_name       TEXT NOT NULL,
	geography          TEXT NOT NULL DEFAULT 'Global',
	industry           TEXT NOT NULL DEFAULT '',
	focus_areas        JSONB,
	report_type        TEXT NOT NULL DEFAULT '',
	requested_by       TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'queued',
	overall_confidence JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_research_jobs_status ON research_jobs(status);
CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS job_sections (
	job_id       TEXT NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
	section      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	confidence   JSONB,
	sources_used JSONB,
	content      JSONB,
	last_error   TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	token_usage  JSONB,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	PRIMARY KEY (job_id, section)
);

CREATE TABLE IF NOT EXISTS job_sources (
	job_id    TEXT NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
	source_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	citation  TEXT NOT NULL,
	url       TEXT NOT NULL DEFAULT '',
	type      TEXT NOT NULL DEFAULT '',
	date      TEXT NOT NULL DEFAULT '',
	section   TEXT NOT NULL,
	PRIMARY KEY (job_id, source_id)
);

CREATE TABLE IF NOT EXISTS prompt_overrides (
	id           TEXT PRIMARY KEY,
	section      TEXT NOT NULL,
	report_type  TEXT NOT NULL DEFAULT '',
	template     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'draft',
	version      INTEGER NOT NULL,
	author       TEXT NOT NULL DEFAULT '',
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	UNIQUE (section, report_type, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_overrides_published
	ON prompt_overrides(section, report_type) WHERE status = 'published';
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
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

const pgSelectJob = `SELECT id, company_name, geography, industry, focus_areas, report_type, requested_by, status, overall_confidence, created_at, updated_at, completed_at FROM research_jobs`

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ResearchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	focus, err := encodeFocusAreas(job.FocusAreas)
	if err != nil {
		return eris.Wrap(err, "postgres: create job")
	}

	rows := make([][]any, 0, len(job.Sections))
	for _, run := range job.OrderedSections() {
		rows = append(rows, []any{job.ID, string(run.Section), string(run.Status), run.Attempts})
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO research_jobs (id, company_name, geography, industry, focus_areas, report_type, requested_by, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			job.ID, job.CompanyName, job.Geography, job.Industry, focus, string(job.ReportType),
			job.RequestedBy, string(job.Status), now, now,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert job")
		}
		if _, err := db.CopyFrom(ctx, tx, "job_sections", []string{"job_id", "section", "status", "attempts"}, rows); err != nil {
			return eris.Wrap(err, "postgres: insert sections")
		}
		return nil
	})
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, pgSelectJob+` WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT section, status, confidence, sources_used, content, last_error, attempts, token_usage, started_at, completed_at
		 FROM job_sections WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sections %s", jobID)
	}
	defer rows.Close()

	job.Sections = make(map[model.SectionID]*model.SectionRun, len(model.Sections))
	for rows.Next() {
		run := &model.SectionRun{JobID: jobID}
		var cols sectionColumns
		if err := rows.Scan(&run.Section, &run.Status, &cols.confidence, &cols.sourcesUsed, &cols.content,
			&run.LastError, &run.Attempts, &cols.tokenUsage, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan section")
		}
		if err := cols.decode(run); err != nil {
			return nil, eris.Wrap(err, "postgres: decode section")
		}
		job.Sections[run.Section] = run
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate sections")
	}

	srcRows, err := s.pool.Query(ctx,
		`SELECT source_id, citation, url, type, date FROM job_sources WHERE job_id = $1 ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sources %s", jobID)
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var e model.SourceEntry
		if err := srcRows.Scan(&e.ID, &e.Citation, &e.URL, &e.Type, &e.Date); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		job.Sources = append(job.Sources, e)
	}
	return job, eris.Wrap(srcRows.Err(), "postgres: iterate sources")
}

func scanPgJob(row pgx.Row) (*model.ResearchJob, error) {
	var j model.ResearchJob
	var focus, confidence []byte
	err := row.Scan(&j.ID, &j.CompanyName, &j.Geography, &j.Industry, &focus, &j.ReportType,
		&j.RequestedBy, &j.Status, &confidence, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if j.FocusAreas, err = decodeFocusAreas(focus); err != nil {
		return nil, err
	}
	if j.OverallConfidence, err = decodeConfidence(confidence); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobSummary, error) {
	query := `SELECT id, company_name, geography, report_type, status, overall_confidence, created_at, updated_at FROM research_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Company != "" {
		query += fmt.Sprintf(` AND company_name ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Company+"%")
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobSummary
	for rows.Next() {
		var j model.JobSummary
		var confidence []byte
		if err := rows.Scan(&j.ID, &j.CompanyName, &j.Geography, &j.ReportType, &j.Status,
			&confidence, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if j.OverallConfidence, err = decodeConfidence(confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: decode job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_jobs SET status = $1, completed_at = $2, updated_at = $3 WHERE id = $4`,
		string(status), completedAt(status, now), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, jobID string, status model.JobStatus, confidence *model.AggregateConfidence) error {
	confJSON, err := encodeConfidence(confidence)
	if err != nil {
		return eris.Wrap(err, "postgres: finish job")
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE research_jobs SET status = $1, overall_confidence = $2, completed_at = $3, updated_at = $4 WHERE id = $5`,
		string(status), confJSON, completedAt(status, now), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) UpdateSection(ctx context.Context, run *model.SectionRun) error {
	return pgUpdateSection(ctx, s.pool, run)
}

func pgUpdateSection(ctx context.Context, q db.Querier, run *model.SectionRun) error {
	cols, err := encodeSection(run)
	if err != nil {
		return eris.Wrap(err, "postgres: encode section")
	}

	tag, err := q.Exec(ctx,
		`UPDATE job_sections SET status = $1, confidence = $2, sources_used = $3, content = $4, last_error = $5,
		 attempts = $6, token_usage = $7, started_at = $8, completed_at = $9
		 WHERE job_id = $10 AND section = $11`,
		string(run.Status), cols.confidence, cols.sourcesUsed, cols.content, run.LastError,
		run.Attempts, cols.tokenUsage, run.StartedAt, run.CompletedAt, run.JobID, string(run.Section),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update section %s/%s", run.JobID, run.Section)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "section %s/%s", run.JobID, run.Section)
	}
	return nil
}

func (s *PostgresStore) CompleteSection(ctx context.Context, run *model.SectionRun, sources []model.SourceEntry) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		// The row lock orders this write against a concurrent cancel.
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM research_jobs WHERE id = $1 FOR UPDATE`, run.JobID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "job %s", run.JobID)
			}
			return eris.Wrapf(err, "postgres: lock job %s", run.JobID)
		}
		if model.JobStatus(status) == model.JobStatusCancelled {
			return eris.Wrapf(ErrJobCancelled, "job %s", run.JobID)
		}

		if err := pgUpdateSection(ctx, tx, run); err != nil {
			return err
		}
		if _, err := db.CopyFrom(ctx, tx, "job_sources", sourceColumns, sourceRows(run, sources)); err != nil {
			return eris.Wrap(err, "postgres: insert sources")
		}
		_, err = tx.Exec(ctx, `UPDATE research_jobs SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), run.JobID)
		return eris.Wrapf(err, "postgres: touch job %s", run.JobID)
	})
}

const pgSelectOverride = `SELECT id, section, report_type, template, status, version, author, notes, created_at, published_at FROM prompt_overrides`

func scanOverride(row scannable) (*model.PromptOverride, error) {
	var o model.PromptOverride
	err := row.Scan(&o.ID, &o.Section, &o.ReportType, &o.Template, &o.Status, &o.Version,
		&o.Author, &o.Notes, &o.CreatedAt, &o.PublishedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) CreateOverride(ctx context.Context, o *model.PromptOverride) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.Status = model.OverrideStatusDraft
	o.CreatedAt = time.Now().UTC()
	o.PublishedAt = nil

	err := s.pool.QueryRow(ctx,
		`INSERT INTO prompt_overrides (id, section, report_type, template, status, version, author, notes, created_at)
		 SELECT $1, $2, $3, $4, $5, COALESCE(MAX(version), 0) + 1, $6, $7, $8
		 FROM prompt_overrides WHERE section = $2 AND report_type = $3
		 RETURNING version`,
		o.ID, string(o.Section), string(o.ReportType), o.Template, string(o.Status), o.Author, o.Notes, o.CreatedAt,
	).Scan(&o.Version)
	return eris.Wrapf(err, "postgres: create override %s/%s", o.Section, o.ReportType)
}

func (s *PostgresStore) GetOverride(ctx context.Context, id string) (*model.PromptOverride, error) {
	o, err := scanOverride(s.pool.QueryRow(ctx, pgSelectOverride+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "override %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get override %s", id)
	}
	return o, nil
}

func (s *PostgresStore) PublishOverride(ctx context.Context, id string) (*model.PromptOverride, error) {
	var out *model.PromptOverride
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := scanOverride(tx.QueryRow(ctx, pgSelectOverride+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "override %s", id)
			}
			return eris.Wrapf(err, "postgres: lock override %s", id)
		}
		if o.Status == model.OverrideStatusPublished {
			out = o
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE prompt_overrides SET status = $1 WHERE section = $2 AND report_type = $3 AND status = $4`,
			string(model.OverrideStatusArchived), string(o.Section), string(o.ReportType), string(model.OverrideStatusPublished),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: archive published override")
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx,
			`UPDATE prompt_overrides SET status = $1, published_at = $2 WHERE id = $3`,
			string(model.OverrideStatusPublished), now, id,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: publish override %s", id)
		}
		o.Status = model.OverrideStatusPublished
		o.PublishedAt = &now
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) UnpublishOverride(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prompt_overrides SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.OverrideStatusArchived), id, string(model.OverrideStatusPublished),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: unpublish override %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOverride(ctx, id); err != nil {
			return err
		}
		return eris.Wrapf(ErrOverrideConflict, "override %s is not published", id)
	}
	return nil
}

func (s *PostgresStore) PublishedOverride(ctx context.Context, section model.SectionID, reportType model.ReportType) (*model.PromptOverride, error) {
	o, err := scanOverride(s.pool.QueryRow(ctx,
		pgSelectOverride+` WHERE section = $1 AND report_type = $2 AND status = $3`,
		string(section), string(reportType), string(model.OverrideStatusPublished),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: published override %s/%s", section, reportType)
	}
	return o, nil
}

func (s *PostgresStore) ListOverrides(ctx context.Context, filter OverrideFilter) ([]model.PromptOverride, error) {
	query := pgSelectOverride + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Section != "" {
		query += fmt.Sprintf(` AND section = $%d`, argIdx)
		args = append(args, string(filter.Section))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY section, report_type, version DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list overrides")
	}
	defer rows.Close()

	var out []model.PromptOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan override")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list overrides iterate")
}
