package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"wasender/internal/dispatch"
	"wasender/internal/endpoint"
	"wasender/internal/license"
	"wasender/internal/session"
	"wasender/internal/store"
	logx "wasender/pkg/logx"
)

type userView struct {
	ID               int64      `json:"id"`
	Email            string     `json:"email"`
	Name             string     `json:"name,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	IsAdmin          bool       `json:"isAdmin"`
	LicenseKey       string     `json:"licenseKey,omitempty"`
	LicenseExpiresAt *time.Time `json:"licenseExpiresAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func viewOf(u store.User) userView {
	return userView{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name,
		Phone:            u.Phone,
		IsAdmin:          u.IsAdmin,
		LicenseKey:       u.LicenseKey,
		LicenseExpiresAt: u.LicenseExpiresAt,
		CreatedAt:        u.CreatedAt,
	}
}

// ---- accounts ----

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Phone    string `json:"phone"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "email and a password of at least 6 characters are required")
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not process password")
		return
	}
	u, err := s.store.CreateUser(r.Context(), req.Email, req.Name, req.Phone, hash)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create account")
		return
	}
	token, err := s.issueToken(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "user": viewOf(u)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	u, err := s.store.UserByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil || !checkPassword(u.CredentialHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	// Expiry is applied lazily on every login.
	if _, err := s.licenses.SweepExpirations(r.Context()); err != nil {
		s.log.Warn("login-time expiry sweep failed", logx.Err(err))
	}
	token, err := s.issueToken(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": viewOf(u)})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	u, err := s.store.UserByID(r.Context(), c.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

// ---- licenses ----

func (s *Server) handleActivateLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey string `json:"licenseKey"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.LicenseKey) == "" {
		writeError(w, http.StatusBadRequest, "licenseKey is required")
		return
	}
	c := claimsFrom(r)
	expiresAt, err := s.licenses.Activate(r.Context(), strings.TrimSpace(req.LicenseKey), c.UserID)
	switch {
	case errors.Is(err, license.ErrNotFound):
		writeError(w, http.StatusNotFound, "license key not found")
	case errors.Is(err, license.ErrAlreadyUsed):
		writeError(w, http.StatusConflict, "license key already used")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "activation failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"expiresAt": expiresAt})
	}
}

func (s *Server) handleVerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey string `json:"licenseKey"`
		MachineID  string `json:"machineId"`
	}
	if err := decodeBody(r, &req); err != nil || req.LicenseKey == "" || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "licenseKey and machineId are required")
		return
	}
	v, err := s.licenses.Verify(r.Context(), req.LicenseKey, req.MachineID)
	switch {
	case errors.Is(err, license.ErrNotFound):
		writeError(w, http.StatusNotFound, "license key not found")
	case errors.Is(err, license.ErrNotActive):
		writeError(w, http.StatusConflict, "license is not activated")
	case errors.Is(err, license.ErrExpired):
		writeError(w, http.StatusForbidden, "license expired")
	case errors.Is(err, license.ErrMachineMismatch):
		writeError(w, http.StatusForbidden, "license bound to a different machine")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "verification unavailable")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":        v.Valid,
			"offlineGrace": v.OfflineGrace,
			"expiresAt":    v.ExpiresAt,
			"user":         viewOf(v.User),
		})
	}
}

// ---- session ----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.licenses.Summary(r.Context())
	if err != nil {
		s.log.Warn("license summary unavailable", logx.Err(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  s.sessions.State(),
		"dispatch": s.engine.Status(),
		"licenses": summary,
	})
}

func (s *Server) handleRequestLink(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RequestLink(r.Context()); err != nil {
		if errors.Is(err, session.ErrAuthFailed) {
			writeError(w, http.StatusConflict, "authentication failed; reset required")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.sessions.State())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.State())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.State())
}

// ---- dispatch ----

func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipients []dispatch.Recipient `json:"recipients"`
		Message    string               `json:"message"`
		TemplateID *int64               `json:"templateId"`
		Attachment *struct {
			Path     string `json:"path"`
			FileName string `json:"fileName"`
			MimeType string `json:"mimeType"`
		} `json:"attachment"`
		PacingSeconds int `json:"pacingSeconds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	job := dispatch.Job{
		ID:              uuid.NewString(),
		Recipients:      req.Recipients,
		MessageTemplate: req.Message,
		TemplateID:      req.TemplateID,
		Pacing:          time.Duration(req.PacingSeconds) * time.Second,
	}
	if req.Attachment != nil {
		job.Attachment = &endpoint.Attachment{
			Path:     req.Attachment.Path,
			FileName: req.Attachment.FileName,
			MimeType: req.Attachment.MimeType,
		}
		// Uploaded files are transient; reclaim them with the job.
		job.RemoveAttachment = strings.HasPrefix(req.Attachment.Path, s.uploadDir())
	}

	err := s.engine.Submit(job)
	switch {
	case errors.Is(err, dispatch.ErrBusy):
		writeError(w, http.StatusConflict, "a sending job is already running")
	case errors.Is(err, dispatch.ErrSessionNotReady):
		writeError(w, http.StatusConflict, "session is not ready")
	case errors.Is(err, dispatch.ErrNoRecipients), errors.Is(err, dispatch.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "total": len(job.Recipients)})
	}
}

func (s *Server) uploadDir() string {
	if s.cfg.UploadDir != "" {
		return s.cfg.UploadDir
	}
	return os.TempDir()
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	const maxUpload = 32 << 20
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("media")
	if err != nil {
		writeError(w, http.StatusBadRequest, "media file is required")
		return
	}
	defer file.Close()

	path, err := s.saveUpload(file, header)
	if err != nil {
		s.log.Error("upload not saved", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"path":     path,
		"fileName": header.Filename,
		"mimeType": header.Header.Get("Content-Type"),
	})
}

func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	dir := s.uploadDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := uuid.NewString() + filepath.Ext(header.Filename)
	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	outcomes, err := s.store.RecentOutcomes(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load logs")
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- templates ----

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Templates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load templates")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "name and message are required")
		return
	}
	tpl, err := s.store.CreateTemplate(r.Context(), req.Name, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create template")
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "name and message are required")
		return
	}
	err := s.store.UpdateTemplate(r.Context(), id, req.Name, req.Message)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not update template")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.store.DeleteTemplate(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete template")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ---- admin ----

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load users")
		return
	}
	summary, err := s.licenses.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load licenses")
		return
	}
	outcomes, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load outcome stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalUsers": len(users),
		"licenses":   summary,
		"messages":   outcomes,
	})
}

func (s *Server) handleAdminLicenses(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Licenses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load licenses")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGenerateLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanName     string  `json:"planName"`
		Price        float64 `json:"price"`
		DurationDays int     `json:"durationDays"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	lic, err := s.licenses.Issue(r.Context(), req.PlanName, req.Price, req.DurationDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue license")
		return
	}
	writeJSON(w, http.StatusCreated, lic)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load users")
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, viewOf(u))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeBody(r, &req); err != nil || len(req) == 0 {
		writeError(w, http.StatusBadRequest, "expected a non-empty settings object")
		return
	}
	for k, v := range req {
		if err := s.store.SetSetting(r.Context(), k, v); err != nil {
			writeError(w, http.StatusInternalServerError, "could not save settings")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}
