package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pillbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertMapping(ctx context.Context, m Mapping) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mappings(notification_id, scheduled_at, medication_id, schedule_id, medication_name,
		                      type, is_grouped, group_key, source_type, title, body, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.NotificationID, m.ScheduledAt.Format(time.RFC3339Nano),
		nullStr(m.MedicationID), nullStr(m.ScheduleID), nullStr(m.MedicationName),
		m.Type, boolInt(m.IsGrouped), nullStr(m.GroupKey), nullStr(m.SourceType),
		nullStr(m.Title), nullStr(m.Body), m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) DeleteMapping(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) FutureMappings(ctx context.Context, kind string) ([]Mapping, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, notification_id, scheduled_at, medication_id, schedule_id, medication_name,
	             type, is_grouped, group_key, source_type, title, body, created_at
	      FROM mappings`
	args := []any{}
	if kind != "" {
		q += ` WHERE type = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY scheduled_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		var scheduledAt, createdAt string
		var medID, schedID, medName, groupKey, sourceType, title, body sql.NullString
		var grouped int
		if err := rows.Scan(&m.ID, &m.NotificationID, &scheduledAt, &medID, &schedID, &medName,
			&m.Type, &grouped, &groupKey, &sourceType, &title, &body, &createdAt); err != nil {
			return nil, err
		}
		m.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.MedicationID = medID.String
		m.ScheduleID = schedID.String
		m.MedicationName = medName.String
		m.IsGrouped = grouped != 0
		m.GroupKey = groupKey.String
		m.SourceType = sourceType.String
		m.Title = title.String
		m.Body = body.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TableExists(ctx context.Context) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'mappings'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
