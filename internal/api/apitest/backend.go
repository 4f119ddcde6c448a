// Package apitest 提供用于测试的内存版扫描后端。
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/hitushen/escudo/internal/models"
)

// Request 记录后端收到的一次请求。
type Request struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
	Form          url.Values
	Body          []byte
}

// Backend 在 httptest.Server 上模拟认证与扫描接口。
type Backend struct {
	Server *httptest.Server

	mu          sync.Mutex
	requests    []Request
	users       map[string]string
	tokens      map[string]string
	results     map[string][]models.ScanResult
	nextID      int64
	nextToken   int
	fixedToken  string
	failResults bool
	failScan    string
}

// New 启动后端，并在测试结束时关闭。
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		users:   make(map[string]string),
		tokens:  make(map[string]string),
		results: make(map[string][]models.ScanResult),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", b.login)
	mux.HandleFunc("/auth/signup", b.signup)
	mux.HandleFunc("/scan/network", b.scan)
	mux.HandleFunc("/scan/results", b.list)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	b.Server = httptest.NewServer(b.record(mux))
	t.Cleanup(b.Server.Close)
	return b
}

// URL 返回后端地址。
func (b *Backend) URL() string { return b.Server.URL }

// AddUser 预先注册账户。
func (b *Backend) AddUser(email, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[email] = password
}

// IssueToken 让后续登录都返回 token。
func (b *Backend) IssueToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fixedToken = token
}

// AddResult 为 email 对应的账户追加一条结果（追加到列表头部）。
func (b *Backend) AddResult(email string, res models.ScanResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[email] = append([]models.ScanResult{res}, b.results[email]...)
}

// FailResults 让结果列表接口返回 500。
func (b *Backend) FailResults(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failResults = fail
}

// FailScan 让扫描接口以 detail 返回 400；空字符串表示恢复正常。
func (b *Backend) FailScan(detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failScan = detail
}

// Revoke 使 token 失效，模拟过期。
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, token)
}

// Requests 返回已记录请求的副本。
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.requests))
	copy(out, b.requests)
	return out
}

// RequestsTo 返回发往 path 的请求。
func (b *Backend) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range b.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Reset 清空请求记录。
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = nil
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		rec := Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			Body:          body,
		}
		if strings.HasPrefix(rec.ContentType, "application/x-www-form-urlencoded") {
			rec.Form, _ = url.ParseQuery(string(body))
		}
		b.mu.Lock()
		b.requests = append(b.requests, rec)
		b.mu.Unlock()

		r.Body = io.NopCloser(strings.NewReader(string(body)))
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	email, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	b.mu.Lock()
	defer b.mu.Unlock()
	if pw, ok := b.users[email]; !ok || pw != password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	token := b.fixedToken
	if token == "" {
		b.nextToken++
		token = fmt.Sprintf("token-%d", b.nextToken)
	}
	b.tokens[token] = email
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (b *Backend) signup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.users[body.Email]; exists {
		writeDetail(w, http.StatusBadRequest, "email exists")
		return
	}
	b.users[body.Email] = body.Password
	b.nextID++
	writeJSON(w, http.StatusCreated, map[string]any{"id": b.nextID, "email": body.Email})
}

func (b *Backend) scan(w http.ResponseWriter, r *http.Request) {
	email, ok := b.authorize(w, r)
	if !ok {
		return
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || net.ParseIP(body.IP) == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{{"loc": []string{"body", "ip"}, "msg": "value is not a valid IPv4 or IPv6 address"}},
		})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failScan != "" {
		writeDetail(w, http.StatusBadRequest, b.failScan)
		return
	}
	b.nextID++
	res := models.ScanResult{
		ID: b.nextID,
		IP: body.IP,
		ScanPayload: models.ScanPayload{{
			Host:    body.IP,
			Entries: []models.ScanEntry{{Protocol: "tcp", Port: 22, State: "open", Service: "ssh", Product: "OpenSSH", Version: "8.9p1"}},
		}},
	}
	b.results[email] = append([]models.ScanResult{res}, b.results[email]...)
	writeJSON(w, http.StatusOK, res)
}

func (b *Backend) list(w http.ResponseWriter, r *http.Request) {
	email, ok := b.authorize(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failResults {
		writeDetail(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	results := b.results[email]
	if results == nil {
		results = []models.ScanResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (b *Backend) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	email, ok := b.tokens[token]
	b.mu.Unlock()
	if token == "" || !ok {
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return "", false
	}
	return email, true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
