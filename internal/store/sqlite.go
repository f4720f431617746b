package store

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

	logx "wasender/pkg/logx"
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

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.seedAdmin(context.Background(), cfg); err != nil {
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

// seedAdmin creates the administrative account on a fresh database.
func (s *sqliteStore) seedAdmin(ctx context.Context, cfg Config) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	email, hash, err := adminSeed(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users(email, name, credential_hash, is_admin, created_at) VALUES(?,?,?,1,?)`,
		email, "Admin", hash, fmtTime(time.Now()),
	)
	if err == nil {
		s.log.Info("admin account seeded", logx.String("email", email))
	}
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Users ----

const userCols = `id, email, name, phone, credential_hash, is_admin, license_key, license_expires_at, created_at`

func (s *sqliteStore) CreateUser(ctx context.Context, email, name, phone, credentialHash string) (User, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, name, phone, credential_hash, is_admin, created_at) VALUES(?,?,?,?,0,?)`,
		email, name, phone, credentialHash, fmtTime(now),
	)
	if err != nil {
		return User{}, mapSQLiteErr(err)
	}
	id, _ := res.LastInsertId()
	return User{ID: id, Email: email, Name: name, Phone: phone, CredentialHash: credentialHash, CreatedAt: now}, nil
}

func (s *sqliteStore) UserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (s *sqliteStore) UserByID(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *sqliteStore) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (User, error) {
	var u User
	var licenseKey, licenseExp sql.NullString
	var createdAt string
	err := r.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.CredentialHash, &u.IsAdmin, &licenseKey, &licenseExp, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.LicenseKey = licenseKey.String
	u.LicenseExpiresAt = parseNullTime(licenseExp)
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// ---- Licenses ----

const licenseCols = `id, license_key, user_id, plan_name, price, duration_days, activated_at, expires_at, status, machine_id, last_active_at, created_at`

func (s *sqliteStore) CreateLicense(ctx context.Context, l License) (License, error) {
	if l.Status == "" {
		l.Status = LicenseUnused
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses(license_key, plan_name, price, duration_days, status, created_at) VALUES(?,?,?,?,?,?)`,
		l.Key, l.PlanName, l.Price, l.DurationDays, l.Status, fmtTime(l.CreatedAt),
	)
	if err != nil {
		return License{}, mapSQLiteErr(err)
	}
	l.ID, _ = res.LastInsertId()
	return l, nil
}

func (s *sqliteStore) LicenseByKey(ctx context.Context, key string) (License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

func (s *sqliteStore) Licenses(ctx context.Context) ([]License, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseCols+` FROM licenses ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLicense(r rowScanner) (License, error) {
	var l License
	var userID sql.NullInt64
	var activatedAt, expiresAt, lastActiveAt sql.NullString
	var createdAt string
	err := r.Scan(&l.ID, &l.Key, &userID, &l.PlanName, &l.Price, &l.DurationDays,
		&activatedAt, &expiresAt, &l.Status, &l.MachineID, &lastActiveAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return License{}, ErrNotFound
	}
	if err != nil {
		return License{}, err
	}
	if userID.Valid {
		v := userID.Int64
		l.UserID = &v
	}
	l.ActivatedAt = parseNullTime(activatedAt)
	l.ExpiresAt = parseNullTime(expiresAt)
	l.LastActiveAt = parseNullTime(lastActiveAt)
	l.CreatedAt = parseTime(createdAt)
	return l, nil
}

func (s *sqliteStore) ActivateLicense(ctx context.Context, key string, userID int64, activatedAt, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The status guard makes concurrent activations race-safe: exactly one
	// wins the conditional update.
	res, err := tx.ExecContext(ctx,
		`UPDATE licenses SET user_id=?, activated_at=?, expires_at=?, status=? WHERE license_key=? AND status=?`,
		userID, fmtTime(activatedAt), fmtTime(expiresAt), LicenseActive, key, LicenseUnused,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM licenses WHERE license_key=?`, key).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET license_key=?, license_expires_at=? WHERE id=?`,
		key, fmtTime(expiresAt), userID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) BindMachine(ctx context.Context, key, machineID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET machine_id=? WHERE license_key=? AND (machine_id='' OR machine_id=?)`,
		machineID, key, machineID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT machine_id FROM licenses WHERE license_key=?`, key).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) TouchLicense(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE licenses SET last_active_at=? WHERE license_key=?`, fmtTime(at), key)
	return err
}

func (s *sqliteStore) ExpireLicenses(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status=? WHERE status=? AND expires_at < ?`,
		LicenseExpired, LicenseActive, fmtTime(now),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Outcomes ----

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	var tmplID any
	if o.TemplateID != nil {
		tmplID = *o.TemplateID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(job_id, recipient, template_id, resolved_message, status, error, at) VALUES(?,?,?,?,?,?,?)`,
		o.JobID, o.Recipient, tmplID, o.ResolvedMessage, o.Status, nullStr(o.Error), fmtTime(o.Timestamp),
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, recipient, template_id, resolved_message, status, error, at
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		var o Outcome
		var tmplID sql.NullInt64
		var oerr sql.NullString
		var at string
		if err := rows.Scan(&o.ID, &o.JobID, &o.Recipient, &tmplID, &o.ResolvedMessage, &o.Status, &oerr, &at); err != nil {
			return nil, err
		}
		if tmplID.Valid {
			v := tmplID.Int64
			o.TemplateID = &v
		}
		o.Error = oerr.String
		o.Timestamp = parseTime(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context) (OutcomeStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return OutcomeStats{}, err
	}
	defer rows.Close()
	var st OutcomeStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return OutcomeStats{}, err
		}
		switch status {
		case OutcomeSent:
			st.Sent = n
		case OutcomeFailed:
			st.Failed = n
		}
		st.Total += n
	}
	return st, rows.Err()
}

// ---- Templates ----

func (s *sqliteStore) CreateTemplate(ctx context.Context, name, message string) (Template, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(name, message, created_at) VALUES(?,?,?)`, name, message, fmtTime(now))
	if err != nil {
		return Template{}, err
	}
	id, _ := res.LastInsertId()
	return Template{ID: id, Name: name, Message: message, CreatedAt: now}, nil
}

func (s *sqliteStore) Templates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, message, created_at FROM templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		var t Template
		var at string
		if err := rows.Scan(&t.ID, &t.Name, &t.Message, &at); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateTemplate(ctx context.Context, id int64, name, message string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE templates SET name=?, message=? WHERE id=?`, name, message, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	return err
}

// ---- Settings ----

func (s *sqliteStore) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *sqliteStore) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// ---- helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}
