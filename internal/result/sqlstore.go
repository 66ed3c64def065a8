package result

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLStore keeps facts in SQLite (modernc.org/sqlite) or Postgres (pgx stdlib).
// Each token is written once: analysis_results holds one row per token and
// analysis_facts the individual facts.
type SQLStore struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

func NewSQLStore(dsn string) (*SQLStore, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for result store")
	}
	ld := strings.ToLower(d)
	drv, dialect, path := "sqlite", "sqlite", d
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		drv, dialect = "pgx", "postgres"
	case strings.HasPrefix(ld, "sqlite://"):
		path = d[len("sqlite://"):]
	}
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, err
	}
	if dialect == "sqlite" {
		// one connection so ":memory:" databases are shared and writes serialize
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == "postgres" {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_results(
			token TEXT PRIMARY KEY,
			fact_count INTEGER NOT NULL,
			ingested_at ` + ts + ` NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS analysis_facts(
			token TEXT NOT NULL,
			seq INTEGER NOT NULL,
			class_name TEXT NOT NULL,
			method_name TEXT NOT NULL,
			line_number INTEGER NOT NULL,
			explanation TEXT,
			fact_type TEXT NOT NULL,
			PRIMARY KEY(token, seq)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites '?' placeholders for postgres.
func (s *SQLStore) bind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Ingest(ctx context.Context, token string, content []byte) (string, error) {
	facts, err := Parse(content)
	if err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM analysis_results WHERE token = ?`), token).Scan(&n); err != nil {
		return "", err
	}
	if n > 0 {
		return "", fmt.Errorf("%w: %s", ErrAlreadyIngested, token)
	}
	if _, err := tx.ExecContext(ctx, s.bind(`INSERT INTO analysis_results(token, fact_count, ingested_at) VALUES(?, ?, ?)`),
		token, len(facts), time.Now().UTC()); err != nil {
		return "", err
	}
	ins := s.bind(`INSERT INTO analysis_facts(token, seq, class_name, method_name, line_number, explanation, fact_type)
		VALUES(?, ?, ?, ?, ?, ?, ?)`)
	for i, f := range facts {
		if _, err := tx.ExecContext(ctx, ins, token, i, f.ClassName, f.MethodName, f.LineNumber, f.Explanation, f.Type); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return s.dialect + "://analysis_results/" + token, nil
}

func (s *SQLStore) Facts(ctx context.Context, token string) ([]Fact, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT fact_count FROM analysis_results WHERE token = ?`), token).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, token)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT class_name, method_name, line_number, explanation, fact_type
		FROM analysis_facts WHERE token = ? ORDER BY seq`), token)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Fact, 0, n)
	for rows.Next() {
		var f Fact
		var expl sql.NullString
		if err := rows.Scan(&f.ClassName, &f.MethodName, &f.LineNumber, &expl, &f.Type); err != nil {
			return nil, err
		}
		f.Explanation = expl.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLStore) Purge(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM analysis_facts WHERE token = ?`), token); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM analysis_results WHERE token = ?`), token); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
