package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	logx "wasender/pkg/logx"
)

// memStore is the volatile fallback used when no database is reachable.
// It is seeded with one administrative account so the app stays operable.
type memStore struct {
	log logx.Logger

	mu        sync.Mutex
	users     []*User
	licenses  []*License
	outcomes  []Outcome
	templates []*Template
	settings  map[string]string

	nextUserID     int64
	nextLicenseID  int64
	nextOutcomeID  int64
	nextTemplateID int64
}

const (
	defaultAdminEmail    = "admin@wasender.local"
	defaultAdminPassword = "admin123"
)

func adminSeed(cfg Config) (email, credentialHash string, err error) {
	email = strings.TrimSpace(cfg.AdminEmail)
	if email == "" {
		email = defaultAdminEmail
	}
	pw := cfg.AdminPassword
	if pw == "" {
		pw = defaultAdminPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return email, string(hash), nil
}

func openMemory(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &memStore{log: log, settings: map[string]string{}}

	email, hash, err := adminSeed(cfg)
	if err != nil {
		return nil, err
	}
	m.nextUserID++
	m.users = append(m.users, &User{
		ID:             m.nextUserID,
		Email:          email,
		Name:           "Admin",
		CredentialHash: hash,
		IsAdmin:        true,
		CreatedAt:      time.Now(),
	})
	log.Info("in-memory store ready (volatile)", logx.String("admin", email))
	return m, nil
}

func (m *memStore) Close() error { return nil }

// ---- Users ----

func (m *memStore) CreateUser(_ context.Context, email, name, phone, credentialHash string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return User{}, ErrDuplicate
		}
	}
	m.nextUserID++
	u := &User{
		ID:             m.nextUserID,
		Email:          email,
		Name:           name,
		Phone:          phone,
		CredentialHash: credentialHash,
		CreatedAt:      time.Now(),
	}
	m.users = append(m.users, u)
	return *u, nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return *u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) UserByID(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.userByID(id); u != nil {
		return *u, nil
	}
	return User{}, ErrNotFound
}

func (m *memStore) userByID(id int64) *User {
	for _, u := range m.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (m *memStore) Users(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ---- Licenses ----

func (m *memStore) CreateLicense(_ context.Context, l License) (License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.licenses {
		if x.Key == l.Key {
			return License{}, ErrDuplicate
		}
	}
	if l.Status == "" {
		l.Status = LicenseUnused
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.nextLicenseID++
	l.ID = m.nextLicenseID
	cp := l
	m.licenses = append(m.licenses, &cp)
	return l, nil
}

func (m *memStore) LicenseByKey(_ context.Context, key string) (License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.licenseByKey(key); l != nil {
		return *l, nil
	}
	return License{}, ErrNotFound
}

func (m *memStore) licenseByKey(key string) *License {
	for _, l := range m.licenses {
		if l.Key == key {
			return l
		}
	}
	return nil
}

func (m *memStore) Licenses(_ context.Context) ([]License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]License, 0, len(m.licenses))
	for _, l := range m.licenses {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ActivateLicense(_ context.Context, key string, userID int64, activatedAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.licenseByKey(key)
	if l == nil {
		return ErrNotFound
	}
	if l.Status != LicenseUnused {
		return ErrConflict
	}
	uid := userID
	l.UserID = &uid
	at, exp := activatedAt, expiresAt
	l.ActivatedAt = &at
	l.ExpiresAt = &exp
	l.Status = LicenseActive

	if u := m.userByID(userID); u != nil {
		u.LicenseKey = key
		u.LicenseExpiresAt = &exp
	}
	return nil
}

func (m *memStore) BindMachine(_ context.Context, key, machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.licenseByKey(key)
	if l == nil {
		return ErrNotFound
	}
	if l.MachineID != "" && l.MachineID != machineID {
		return ErrConflict
	}
	l.MachineID = machineID
	return nil
}

func (m *memStore) TouchLicense(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.licenseByKey(key); l != nil {
		t := at
		l.LastActiveAt = &t
	}
	return nil
}

func (m *memStore) ExpireLicenses(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.licenses {
		if l.Status == LicenseActive && l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
			l.Status = LicenseExpired
			n++
		}
	}
	return n, nil
}

// ---- Outcomes ----

func (m *memStore) AppendOutcome(_ context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	m.nextOutcomeID++
	o.ID = m.nextOutcomeID
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *memStore) RecentOutcomes(_ context.Context, limit int) ([]Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	n := len(m.outcomes)
	if limit > n {
		limit = n
	}
	out := make([]Outcome, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.outcomes[i])
	}
	return out, nil
}

func (m *memStore) Stats(_ context.Context) (OutcomeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st OutcomeStats
	for _, o := range m.outcomes {
		switch o.Status {
		case OutcomeSent:
			st.Sent++
		case OutcomeFailed:
			st.Failed++
		}
		st.Total++
	}
	return st, nil
}

// ---- Templates ----

func (m *memStore) CreateTemplate(_ context.Context, name, message string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTemplateID++
	t := &Template{ID: m.nextTemplateID, Name: name, Message: message, CreatedAt: time.Now()}
	m.templates = append(m.templates, t)
	return *t, nil
}

func (m *memStore) Templates(_ context.Context) ([]Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateTemplate(_ context.Context, id int64, name, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.ID == id {
			t.Name = name
			t.Message = message
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) DeleteTemplate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.templates {
		if t.ID == id {
			m.templates = append(m.templates[:i], m.templates[i+1:]...)
			return nil
		}
	}
	return nil
}

// ---- Settings ----

func (m *memStore) Setting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memStore) Settings(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}
