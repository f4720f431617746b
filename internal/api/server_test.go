package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"wasender/internal/dispatch"
	"wasender/internal/endpoint"
	"wasender/internal/eventbus"
	"wasender/internal/license"
	"wasender/internal/session"
	"wasender/internal/store"
	logx "wasender/pkg/logx"
)

// readyEndpoint reports ready as soon as the session links.
type readyEndpoint struct{}

func (readyEndpoint) Start(_ context.Context, out chan<- endpoint.Event) error {
	out <- endpoint.Event{Kind: endpoint.EventReady}
	return nil
}
func (readyEndpoint) Stop(context.Context) error   { return nil }
func (readyEndpoint) Logout(context.Context) error { return nil }
func (readyEndpoint) Send(context.Context, string, string, *endpoint.Attachment) error {
	return nil
}
func (readyEndpoint) IsReachable(context.Context, string) (bool, error) { return true, nil }

type testServer struct {
	srv *Server
	ts  *httptest.Server
	st  store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	log := logx.Nop()

	st, err := store.Open(store.Config{Driver: "memory", AdminPassword: "root-secret"}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus := eventbus.New()
	lic := license.NewCoordinator(license.Config{DurationDays: 30}, st, bus, log)
	sess := session.NewCoordinator(session.Config{}, readyEndpoint{}, bus, log)
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("session start: %v", err)
	}
	eng := dispatch.NewEngine(dispatch.Config{Pacing: -1}, readyEndpoint{}, sess, st, bus, log)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine start: %v", err)
	}

	srv := NewServer(Config{JWTSecret: "test-secret", UploadDir: t.TempDir()}, st, lic, sess, eng, bus, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		eng.Stop(ctx)
		sess.Stop(ctx)
		st.Close()
	})
	return &testServer{srv: srv, ts: ts, st: st}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (ts *testServer) signup(t *testing.T, email string) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/signup", "", map[string]string{
		"email": email, "password": "hunter22", "name": "Test",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d (%v)", resp.StatusCode, body)
	}
	return body["token"].(string)
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"email": "admin@wasender.local", "password": "root-secret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin login status = %d (%v)", resp.StatusCode, body)
	}
	return body["token"].(string)
}

func TestSignupLoginProfile(t *testing.T) {
	ts := newTestServer(t)

	token := ts.signup(t, "ana@example.com")
	resp, body := ts.do(t, http.MethodGet, "/api/user/profile", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d", resp.StatusCode)
	}
	if body["email"] != "ana@example.com" {
		t.Fatalf("profile = %v", body)
	}

	// Duplicate signup is refused.
	resp, _ = ts.do(t, http.MethodPost, "/api/signup", "", map[string]string{
		"email": "ana@example.com", "password": "hunter22",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate signup status = %d", resp.StatusCode)
	}

	// Wrong password is refused.
	resp, _ = ts.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"email": "ana@example.com", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/user/profile", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/user/profile", "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminGuard(t *testing.T) {
	ts := newTestServer(t)

	user := ts.signup(t, "plain@example.com")
	resp, _ := ts.do(t, http.MethodGet, "/api/admin/users", user, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}

	admin := ts.adminToken(t)
	resp, _ = ts.do(t, http.MethodGet, "/api/admin/users", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", resp.StatusCode)
	}
}

func TestLicenseActivationFlow(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.adminToken(t)
	user := ts.signup(t, "buyer@example.com")

	resp, lic := ts.do(t, http.MethodPost, "/api/admin/generate-license", admin, map[string]any{
		"planName": "pro", "price": 49.0, "durationDays": 30,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate status = %d (%v)", resp.StatusCode, lic)
	}
	key := lic["Key"].(string)

	resp, body := ts.do(t, http.MethodPost, "/api/activate-license", user, map[string]string{
		"licenseKey": key,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d (%v)", resp.StatusCode, body)
	}
	// Second activation conflicts.
	resp, _ = ts.do(t, http.MethodPost, "/api/activate-license", user, map[string]string{
		"licenseKey": key,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-activate status = %d, want 409", resp.StatusCode)
	}
	// Unknown key is a 404.
	resp, _ = ts.do(t, http.MethodPost, "/api/activate-license", user, map[string]string{
		"licenseKey": "WA-0000-0000-0000-0000",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown key status = %d, want 404", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/verify-license", user, map[string]string{
		"licenseKey": key, "machineId": "machine-a",
	})
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify status = %d (%v)", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/verify-license", user, map[string]string{
		"licenseKey": key, "machineId": "machine-b",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign machine status = %d, want 403", resp.StatusCode)
	}
}

func TestSendMessagesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signup(t, "sender@example.com")

	// Link the session so dispatch is possible.
	resp, _ := ts.do(t, http.MethodPost, "/api/link", token, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("link status = %d", resp.StatusCode)
	}
	waitForReady(t, ts)

	resp, body := ts.do(t, http.MethodPost, "/api/send-messages", token, map[string]any{
		"recipients": []map[string]string{{"address": "628123", "displayName": "Ana"}},
		"message":    "Hi {name}",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d (%v)", resp.StatusCode, body)
	}
	if body["jobId"] == "" {
		t.Fatalf("missing job id: %v", body)
	}

	// Empty jobs are rejected synchronously.
	resp, _ = ts.do(t, http.MethodPost, "/api/send-messages", token, map[string]any{
		"recipients": []map[string]string{},
		"message":    "Hi",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty job status = %d, want 400", resp.StatusCode)
	}
}

func waitForReady(t *testing.T, ts *testServer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ts.srv.sessions.State().State == session.StateReady {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never became ready")
}

func TestTemplateRoutes(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signup(t, "tpl@example.com")

	resp, tpl := ts.do(t, http.MethodPost, "/api/templates", token, map[string]string{
		"name": "greet", "message": "Hello {name}",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := int64(tpl["ID"].(float64))

	resp, _ = ts.do(t, http.MethodPut, "/api/templates/"+itoa(id), token, map[string]string{
		"name": "greet2", "message": "Hi {name}",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/templates/"+itoa(id), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
