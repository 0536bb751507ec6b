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

	logx "khatmbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
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
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite busy_timeout: %w", err)
		}
	}
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = FULL"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("subscriber store opened", logx.String("path", path))
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

func (s *sqliteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT start_date, start_unit, notify_hour, username, first_name FROM subscribers WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, id string, rec Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var hour any
	if rec.NotifyHour != nil {
		hour = *rec.NotifyHour
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, start_date, start_unit, notify_hour, username, first_name, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   start_date=excluded.start_date,
		   start_unit=excluded.start_unit,
		   notify_hour=excluded.notify_hour,
		   username=excluded.username,
		   first_name=excluded.first_name,
		   updated_at=excluded.updated_at`,
		id, rec.StartDate.Format(DateLayout), rec.StartUnit, hour,
		nullStr(rec.Username), nullStr(rec.FirstName), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.log.Error("store write failed", logx.String("id", id), logx.Err(err))
	}
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) All(ctx context.Context) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_date, start_unit, notify_hour, username, first_name FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id string
		rec, err := scanRecord(rows, &id)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{ID: id, Record: rec})
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

// scanRecord reads the record columns, optionally preceded by extra
// leading columns. A start_date that does not parse leaves StartDate zero.
func scanRecord(sc scanner, lead ...any) (Record, error) {
	var (
		date     string
		unit     int
		hour     sql.NullInt64
		username sql.NullString
		first    sql.NullString
	)
	dest := append(lead, &date, &unit, &hour, &username, &first)
	if err := sc.Scan(dest...); err != nil {
		return Record{}, err
	}
	rec := Record{StartUnit: unit, Username: username.String, FirstName: first.String}
	if d, err := time.Parse(DateLayout, date); err == nil {
		rec.StartDate = d
	}
	if hour.Valid {
		rec.NotifyHour = Hour(int(hour.Int64))
	}
	return rec, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
