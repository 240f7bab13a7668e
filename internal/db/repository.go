package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gayhub/tablo2hdhr/internal/model"
)

// timeLayout keeps a fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations/*.sql
var migrationFS embed.FS

type Repository struct {
	db *sql.DB
}

func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists int
		err := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ? LIMIT 1;`, entry.Name()).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return err
		}

		sqlBytes, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := db.Exec(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?);`,
			entry.Name(),
			time.Now().UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// MarkInterrupted closes out rows left open by a previous process.
func (r *Repository) MarkInterrupted(ctx context.Context) error {
	now := time.Now().UTC().Format(timeLayout)
	if _, err := r.db.ExecContext(ctx, `
		UPDATE streams SET status = 'interrupted', ended_at = ? WHERE ended_at IS NULL;
	`, now); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = 'interrupted', updated_at = ?
		WHERE status IN ('queued', 'running');
	`, now)
	return err
}

func (r *Repository) CreateJob(ctx context.Context, jobType string, details string) (model.Job, error) {
	now := time.Now().UTC()
	job := model.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    "queued",
		Details:   details,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, details, error, retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?);
	`, job.ID, job.Type, job.Status, job.Details, job.Retries, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func (r *Repository) UpdateJob(ctx context.Context, jobID string, status string, details string, errText string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, details = CASE WHEN ? = '' THEN details ELSE ? END, error = ?, updated_at = ?
		WHERE id = ?;
	`, status, details, details, errText, time.Now().UTC().Format(timeLayout), jobID)
	return err
}

func (r *Repository) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, status, details, error, retries, created_at, updated_at
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]model.Job, 0, limit)
	for rows.Next() {
		var job model.Job
		var createdAt, updatedAt string
		if err := rows.Scan(
			&job.ID,
			&job.Type,
			&job.Status,
			&job.Details,
			&job.Error,
			&job.Retries,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		job.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		job.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *Repository) CreateStream(ctx context.Context, rec model.StreamRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO streams (id, channel_id, kind, consumes_tuner, status, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL);
	`, rec.ID, rec.ChannelID, string(rec.Kind), rec.ConsumesTuner, rec.Status, rec.Error, rec.StartedAt.UTC().Format(timeLayout))
	return err
}

func (r *Repository) EndStream(ctx context.Context, id, status, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE streams SET status = ?, error = ?, ended_at = ?
		WHERE id = ? AND ended_at IS NULL;
	`, status, errMsg, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stream %s not open", id)
	}
	return nil
}

func (r *Repository) ListStreams(ctx context.Context, activeOnly bool, limit int) ([]model.StreamRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, channel_id, kind, consumes_tuner, status, error, started_at, ended_at
		FROM streams`
	if activeOnly {
		query += ` WHERE ended_at IS NULL`
	}
	query += ` ORDER BY started_at DESC LIMIT ?;`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.StreamRecord, 0)
	for rows.Next() {
		var rec model.StreamRecord
		var kind, startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.ChannelID,
			&kind,
			&rec.ConsumesTuner,
			&rec.Status,
			&rec.Error,
			&startedAt,
			&endedAt,
		); err != nil {
			return nil, err
		}
		rec.Kind = model.ChannelKind(kind)
		rec.StartedAt, _ = time.Parse(timeLayout, startedAt)
		rec.EndedAt = nullableTimeFromDB(endedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableTimeFromDB(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, value.String)
	if err != nil {
		return nil
	}
	return &t
}
