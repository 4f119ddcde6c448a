package server

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/escudo/internal/api"
	"github.com/hitushen/escudo/internal/api/apitest"
	"github.com/hitushen/escudo/internal/config"
	"github.com/hitushen/escudo/internal/logging"
	"github.com/hitushen/escudo/internal/models"
)

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

type harness struct {
	t       *testing.T
	backend *apitest.Backend
	web     *httptest.Server
	client  *http.Client
	csrf    string
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	backend := apitest.New(t)
	cfg := &config.Config{
		Addr:          ":0",
		APIURL:        backend.URL(),
		SessionKey:    []byte("0123456789abcdef0123456789abcdef"),
		CSRFKey:       []byte("abcdef0123456789abcdef0123456789"),
		SessionStore:  config.SessionStoreCookie,
		SessionMaxAge: time.Hour,
	}
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	srv, err := New(cfg, logging.New(io.Discard, "error", "text"))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	web := httptest.NewServer(srv.Handler())
	t.Cleanup(web.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &harness{t: t, backend: backend, web: web, client: client}
}

func (h *harness) get(path string) (*http.Response, string) {
	h.t.Helper()
	resp, err := h.client.Get(h.web.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, string(body)
}

func (h *harness) post(path string, form url.Values) (*http.Response, string) {
	h.t.Helper()
	if h.csrf == "" {
		_, body := h.get("/signup")
		m := csrfPattern.FindStringSubmatch(body)
		require.Len(h.t, m, 2, "csrf field not rendered")
		h.csrf = m[1]
	}
	form.Set("csrf_token", h.csrf)
	resp, err := h.client.PostForm(h.web.URL+path, form)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, string(body)
}

func (h *harness) login(email, password string) *http.Response {
	h.t.Helper()
	resp, _ := h.post("/login", url.Values{"email": {email}, "password": {password}})
	return resp
}

func TestDashboardRequiresLogin(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.get("/dashboard")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?from=%2Fdashboard", resp.Header.Get("Location"))

	_, body := h.get("/login?from=%2Fdashboard")
	assert.Contains(t, body, "Por favor inicia sesión para continuar")

	_, body = h.get("/login")
	assert.NotContains(t, body, "Por favor inicia sesión para continuar")
	assert.Empty(t, h.backend.RequestsTo(api.PathResults))
}

func TestRootRedirectsToDashboard(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.get("/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")
	h.backend.IssueToken("T1")
	h.backend.AddResult("a@b.com", models.ScanResult{
		ID: 4,
		IP: "10.0.0.0/30",
		ScanPayload: models.ScanPayload{
			{Host: "10.0.0.1", Entries: []models.ScanEntry{{Protocol: "tcp", Port: 22, State: "open"}}},
			{Host: "10.0.0.2"},
		},
	})

	resp := h.login("a@b.com", "x")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))

	resp, body := h.get("/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<td>10.0.0.1</td>")
	assert.NotContains(t, body, "<td>10.0.0.2</td>")
	assert.Equal(t, 1, strings.Count(body, "<tr><td>"))

	reqs := h.backend.RequestsTo(api.PathResults)
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer T1", reqs[0].Authorization)
}

func TestLoginFailureShowsDetail(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")

	resp, body := h.post("/login", url.Values{"email": {"a@b.com"}, "password": {"nope"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Incorrect email or password")
	assert.Contains(t, body, `value="a@b.com"`)

	resp, _ = h.get("/dashboard")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestLoginValidationSkipsBackend(t *testing.T) {
	h := newHarness(t)

	resp, body := h.post("/login", url.Values{"email": {"nobody"}, "password": {"x"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "Ingresa un email válido")
	assert.Empty(t, h.backend.RequestsTo(api.PathLogin))
}

func TestSignupFlow(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.post("/signup", url.Values{"email": {"new@b.com"}, "password": {"secret123"}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	_, body := h.get("/login")
	assert.Contains(t, body, "Cuenta creada, ahora puedes iniciar sesión")

	_, body = h.get("/login")
	assert.NotContains(t, body, "Cuenta creada")
}

func TestSignupDuplicateStaysOnPage(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")

	resp, body := h.post("/signup", url.Values{"email": {"a@b.com"}, "password": {"secret123"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	assert.Contains(t, body, "email exists")
	assert.Contains(t, body, "<h1>Registro</h1>")
}

func TestScanFlow(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")
	h.login("a@b.com", "x")
	h.backend.Reset()

	resp, body := h.post("/dashboard/scan", url.Values{"ip": {"  127.0.0.1 "}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Escaneo iniciado")
	assert.Contains(t, body, "<td>OpenSSH</td>")

	reqs := h.backend.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, api.PathScan, reqs[0].Path)
	assert.JSONEq(t, `{"ip":"127.0.0.1"}`, string(reqs[0].Body))
	assert.Equal(t, api.PathResults, reqs[1].Path)
}

func TestScanBlankIPIssuesNoRequest(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")
	h.login("a@b.com", "x")
	h.backend.Reset()

	resp, _ := h.post("/dashboard/scan", url.Values{"ip": {"   "}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
	assert.Empty(t, h.backend.RequestsTo(api.PathScan))
	assert.Empty(t, h.backend.Requests())

	_, body := h.get("/dashboard")
	assert.Contains(t, body, "Ingresa una IP válida")
	assert.Empty(t, h.backend.RequestsTo(api.PathScan))
	assert.Len(t, h.backend.RequestsTo(api.PathResults), 1)
}

func TestScanBackendErrorDetail(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")
	h.login("a@b.com", "x")

	h.post("/dashboard/scan", url.Values{"ip": {"not_an_ip"}})
	_, body := h.get("/dashboard")
	assert.Contains(t, body, "value is not a valid IPv4 or IPv6 address")
}

func TestDashboardLoadFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")
	h.login("a@b.com", "x")
	h.backend.FailResults(true)

	resp, body := h.get("/dashboard")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Error al cargar resultados")
	assert.Contains(t, body, "No hay resultados aún.")
}

func TestLogoutDropsToken(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")
	h.login("a@b.com", "x")

	resp, _ := h.post("/logout", url.Values{})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	h.backend.Reset()
	resp, _ = h.get("/dashboard")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Empty(t, h.backend.Requests())
}

func TestPostWithoutCSRFRejected(t *testing.T) {
	h := newHarness(t)
	resp, err := h.client.PostForm(h.web.URL+"/login", url.Values{"email": {"a@b.com"}, "password": {"x"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, h.backend.Requests())
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("a@b.com", "x")
	h.login("a@b.com", "x")

	resp, _ := h.get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `escudo_backend_requests_total{method="POST",outcome="ok",path="/auth/login"} 1`)
}

func TestSQLiteSessionBackend(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	h := newHarness(t, func(c *config.Config) {
		c.SessionStore = config.SessionStoreSQLite
		c.SessionDBPath = dbPath
	})
	h.backend.AddUser("a@b.com", "x")
	h.backend.IssueToken("T-sql")

	resp := h.login("a@b.com", "x")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, _ = h.get("/dashboard")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	reqs := h.backend.RequestsTo(api.PathResults)
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer T-sql", reqs[0].Authorization)
}

func TestSQLiteLoginRotatesSessionCookie(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	h := newHarness(t, func(c *config.Config) {
		c.SessionStore = config.SessionStoreSQLite
		c.SessionDBPath = dbPath
	})
	h.backend.AddUser("a@b.com", "x")

	h.get("/signup")
	webURL, err := url.Parse(h.web.URL)
	require.NoError(t, err)
	before := sessionCookie(t, h.client.Jar.Cookies(webURL))

	resp := h.login("a@b.com", "x")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	after := sessionCookie(t, h.client.Jar.Cookies(webURL))
	assert.NotEqual(t, before.Value, after.Value)

	req, err := http.NewRequest(http.MethodGet, h.web.URL+"/dashboard", nil)
	require.NoError(t, err)
	req.AddCookie(before)
	resp, err = http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func sessionCookie(t *testing.T, cookies []*http.Cookie) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == "escudo_session" {
			return &http.Cookie{Name: c.Name, Value: c.Value}
		}
	}
	t.Fatal("session cookie not set")
	return nil
}
