package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dossier/internal/model"
)

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
	// One connection: SQLite has a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS research_jobs (
	id                 TEXT PRIMARY KEY,
	company_name       TEXT NOT NULL,
	geography          TEXT NOT NULL DEFAULT 'Global',
	industry           TEXT NOT NULL DEFAULT '',
	focus_areas        TEXT,
	report_type        TEXT NOT NULL DEFAULT '',
	requested_by       TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'queued',
	overall_confidence TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at       DATETIME
);

CREATE INDEX IF NOT EXISTS idx_research_jobs_status ON research_jobs(status);
CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at);

CREATE TABLE IF NOT EXISTS job_sections (
	job_id       TEXT NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
	section      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	confidence   TEXT,
	sources_used TEXT,
	content      TEXT,
	last_error   TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	token_usage  TEXT,
	started_at   DATETIME,
	completed_at DATETIME,
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
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	published_at DATETIME,
	UNIQUE (section, report_type, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_overrides_published
	ON prompt_overrides(section, report_type) WHERE status = 'published';
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx mirrors db.InTx for database/sql.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

const sqliteSelectJob = `SELECT id, company_name, geography, industry, focus_areas, report_type, requested_by, status, overall_confidence, created_at, updated_at, completed_at FROM research_jobs`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ResearchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	focus, err := encodeFocusAreas(job.FocusAreas)
	if err != nil {
		return eris.Wrap(err, "sqlite: create job")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO research_jobs (id, company_name, geography, industry, focus_areas, report_type, requested_by, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.CompanyName, job.Geography, job.Industry, nullText(focus), string(job.ReportType),
			job.RequestedBy, string(job.Status), now, now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert job")
		}
		for _, run := range job.OrderedSections() {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO job_sections (job_id, section, status, attempts) VALUES (?, ?, ?, ?)`,
				job.ID, string(run.Section), string(run.Status), run.Attempts,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert section %s", run.Section)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, sqliteSelectJob+` WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT section, status, confidence, sources_used, content, last_error, attempts, token_usage, started_at, completed_at
		 FROM job_sections WHERE job_id = ?`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sections %s", jobID)
	}
	defer rows.Close()

	job.Sections = make(map[model.SectionID]*model.SectionRun, len(model.Sections))
	for rows.Next() {
		run := &model.SectionRun{JobID: jobID}
		var confidence, sourcesUsed, content, usage sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&run.Section, &run.Status, &confidence, &sourcesUsed, &content,
			&run.LastError, &run.Attempts, &usage, &started, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan section")
		}
		cols := sectionColumns{
			confidence:  nullBytes(confidence),
			sourcesUsed: nullBytes(sourcesUsed),
			content:     nullBytes(content),
			tokenUsage:  nullBytes(usage),
		}
		if err := cols.decode(run); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode section")
		}
		run.StartedAt = nullTime(started)
		run.CompletedAt = nullTime(completed)
		job.Sections[run.Section] = run
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate sections")
	}
	rows.Close()

	srcRows, err := s.db.QueryContext(ctx,
		`SELECT source_id, citation, url, type, date FROM job_sources WHERE job_id = ? ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sources %s", jobID)
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var e model.SourceEntry
		if err := srcRows.Scan(&e.ID, &e.Citation, &e.URL, &e.Type, &e.Date); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		job.Sources = append(job.Sources, e)
	}
	return job, eris.Wrap(srcRows.Err(), "sqlite: iterate sources")
}

func scanSQLiteJob(row scannable) (*model.ResearchJob, error) {
	var j model.ResearchJob
	var focus, confidence sql.NullString
	var completed sql.NullTime
	err := row.Scan(&j.ID, &j.CompanyName, &j.Geography, &j.Industry, &focus, &j.ReportType,
		&j.RequestedBy, &j.Status, &confidence, &j.CreatedAt, &j.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if j.FocusAreas, err = decodeFocusAreas(nullBytes(focus)); err != nil {
		return nil, err
	}
	if j.OverallConfidence, err = decodeConfidence(nullBytes(confidence)); err != nil {
		return nil, err
	}
	j.CompletedAt = nullTime(completed)
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobSummary, error) {
	query := `SELECT id, company_name, geography, report_type, status, overall_confidence, created_at, updated_at FROM research_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Company != "" {
		query += ` AND company_name LIKE ?`
		args = append(args, "%"+filter.Company+"%")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobSummary
	for rows.Next() {
		var j model.JobSummary
		var confidence sql.NullString
		if err := rows.Scan(&j.ID, &j.CompanyName, &j.Geography, &j.ReportType, &j.Status,
			&confidence, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		if j.OverallConfidence, err = decodeConfidence(nullBytes(confidence)); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(status), completedAt(status, now), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) FinishJob(ctx context.Context, jobID string, status model.JobStatus, confidence *model.AggregateConfidence) error {
	confJSON, err := encodeConfidence(confidence)
	if err != nil {
		return eris.Wrap(err, "sqlite: finish job")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_jobs SET status = ?, overall_confidence = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(status), nullText(confJSON), completedAt(status, now), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) UpdateSection(ctx context.Context, run *model.SectionRun) error {
	return sqliteUpdateSection(ctx, s.db, run)
}

func sqliteUpdateSection(ctx context.Context, q sqlExecer, run *model.SectionRun) error {
	cols, err := encodeSection(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode section")
	}

	res, err := q.ExecContext(ctx,
		`UPDATE job_sections SET status = ?, confidence = ?, sources_used = ?, content = ?, last_error = ?,
		 attempts = ?, token_usage = ?, started_at = ?, completed_at = ?
		 WHERE job_id = ? AND section = ?`,
		string(run.Status), nullText(cols.confidence), nullText(cols.sourcesUsed), nullText(cols.content), run.LastError,
		run.Attempts, nullText(cols.tokenUsage), run.StartedAt, run.CompletedAt, run.JobID, string(run.Section),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update section %s/%s", run.JobID, run.Section)
	}
	return checkRowsAffected(res, "section", run.JobID+"/"+string(run.Section))
}

func (s *SQLiteStore) CompleteSection(ctx context.Context, run *model.SectionRun, sources []model.SourceEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM research_jobs WHERE id = ?`, run.JobID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "job %s", run.JobID)
			}
			return eris.Wrapf(err, "sqlite: read job %s", run.JobID)
		}
		if model.JobStatus(status) == model.JobStatusCancelled {
			return eris.Wrapf(ErrJobCancelled, "job %s", run.JobID)
		}

		if err := sqliteUpdateSection(ctx, tx, run); err != nil {
			return err
		}
		for _, row := range sourceRows(run, sources) {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO job_sources (job_id, source_id, seq, citation, url, type, date, section) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				row...,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert source %v", row[1])
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE research_jobs SET updated_at = ? WHERE id = ?`, time.Now().UTC(), run.JobID)
		return eris.Wrapf(err, "sqlite: touch job %s", run.JobID)
	})
}

const sqliteSelectOverride = `SELECT id, section, report_type, template, status, version, author, notes, created_at, published_at FROM prompt_overrides`

func scanSQLiteOverride(row scannable) (*model.PromptOverride, error) {
	var o model.PromptOverride
	var published sql.NullTime
	err := row.Scan(&o.ID, &o.Section, &o.ReportType, &o.Template, &o.Status, &o.Version,
		&o.Author, &o.Notes, &o.CreatedAt, &published)
	if err != nil {
		return nil, err
	}
	o.PublishedAt = nullTime(published)
	return &o, nil
}

func (s *SQLiteStore) CreateOverride(ctx context.Context, o *model.PromptOverride) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.Status = model.OverrideStatusDraft
	o.CreatedAt = time.Now().UTC()
	o.PublishedAt = nil

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var maxVersion sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(version) FROM prompt_overrides WHERE section = ? AND report_type = ?`,
			string(o.Section), string(o.ReportType),
		).Scan(&maxVersion)
		if err != nil {
			return eris.Wrap(err, "sqlite: next override version")
		}
		o.Version = int(maxVersion.Int64) + 1

		_, err = tx.ExecContext(ctx,
			`INSERT INTO prompt_overrides (id, section, report_type, template, status, version, author, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, string(o.Section), string(o.ReportType), o.Template, string(o.Status), o.Version, o.Author, o.Notes, o.CreatedAt,
		)
		return eris.Wrapf(err, "sqlite: create override %s/%s", o.Section, o.ReportType)
	})
}

func (s *SQLiteStore) GetOverride(ctx context.Context, id string) (*model.PromptOverride, error) {
	o, err := scanSQLiteOverride(s.db.QueryRowContext(ctx, sqliteSelectOverride+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "override %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get override %s", id)
	}
	return o, nil
}

func (s *SQLiteStore) PublishOverride(ctx context.Context, id string) (*model.PromptOverride, error) {
	var out *model.PromptOverride
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := scanSQLiteOverride(tx.QueryRowContext(ctx, sqliteSelectOverride+` WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "override %s", id)
			}
			return eris.Wrapf(err, "sqlite: get override %s", id)
		}
		if o.Status == model.OverrideStatusPublished {
			out = o
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE prompt_overrides SET status = ? WHERE section = ? AND report_type = ? AND status = ?`,
			string(model.OverrideStatusArchived), string(o.Section), string(o.ReportType), string(model.OverrideStatusPublished),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: archive published override")
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE prompt_overrides SET status = ?, published_at = ? WHERE id = ?`,
			string(model.OverrideStatusPublished), now, id,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: publish override %s", id)
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

func (s *SQLiteStore) UnpublishOverride(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompt_overrides SET status = ? WHERE id = ? AND status = ?`,
		string(model.OverrideStatusArchived), id, string(model.OverrideStatusPublished),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: unpublish override %s", id)
	}
	if err := checkRowsAffected(res, "override", id); err != nil {
		if _, getErr := s.GetOverride(ctx, id); getErr != nil {
			return getErr
		}
		return eris.Wrapf(ErrOverrideConflict, "override %s is not published", id)
	}
	return nil
}

func (s *SQLiteStore) PublishedOverride(ctx context.Context, section model.SectionID, reportType model.ReportType) (*model.PromptOverride, error) {
	o, err := scanSQLiteOverride(s.db.QueryRowContext(ctx,
		sqliteSelectOverride+` WHERE section = ? AND report_type = ? AND status = ?`,
		string(section), string(reportType), string(model.OverrideStatusPublished),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: published override %s/%s", section, reportType)
	}
	return o, nil
}

func (s *SQLiteStore) ListOverrides(ctx context.Context, filter OverrideFilter) ([]model.PromptOverride, error) {
	query := sqliteSelectOverride + ` WHERE 1=1`
	var args []any
	if filter.Section != "" {
		query += ` AND section = ?`
		args = append(args, string(filter.Section))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY section, report_type, version DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list overrides")
	}
	defer rows.Close()

	var out []model.PromptOverride
	for rows.Next() {
		o, err := scanSQLiteOverride(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan override")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list overrides iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
