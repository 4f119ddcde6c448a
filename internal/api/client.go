// Package api 封装对扫描后端的 HTTP 调用。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitushen/escudo/internal/models"
)

// 后端接口路径。
const (
	PathLogin   = "/auth/login"
	PathSignup  = "/auth/signup"
	PathScan    = "/scan/network"
	PathResults = "/scan/results"
	PathHealth  = "/healthz"
)

const maxErrorBody = 64 << 10

// Client 是带可选 Bearer 凭证的后端客户端。
// Client 本身不可变，WithToken 返回绑定新凭证的副本。
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	userAgent  string
	metrics    *Metrics
	logger     *slog.Logger
}

// Option 用于定制 Client。
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout 设置单次请求超时，0 表示不限制。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// WithMetrics 记录出站调用指标。
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger 设置调试日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserAgent 设置 User-Agent 请求头。
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New 基于后端地址创建 Client。
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute, got %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{},
		userAgent:  "escudo/1.0",
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL 返回后端地址。
func (c *Client) BaseURL() string { return c.baseURL }

// Token 返回当前绑定的凭证。
func (c *Client) Token() string { return c.token }

// WithToken 返回绑定 token 的副本；空字符串表示不携带 Authorization 头。
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Get 发起 GET 请求并把 JSON 响应解码到 out。
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

// PostJSON 以 JSON 请求体发起 POST。
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(raw), out)
}

// PostForm 以 application/x-www-form-urlencoded 请求体发起 POST。
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), out)
}

// Login 使用表单凭证换取 access token。
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := c.PostForm(ctx, PathLogin, form, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Signup 注册新账户。
func (c *Client) Signup(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	return c.PostJSON(ctx, PathSignup, body, nil)
}

// StartScan 触发对 ip 的扫描。
func (c *Client) StartScan(ctx context.Context, ip string) (*models.ScanResult, error) {
	var res models.ScanResult
	if err := c.PostJSON(ctx, PathScan, map[string]string{"ip": ip}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResults 获取当前用户的全部扫描结果，顺序与服务端一致。
func (c *Client) ListResults(ctx context.Context) ([]models.ScanResult, error) {
	var results []models.ScanResult
	if err := c.Get(ctx, PathResults, &results); err != nil {
		return nil, err
	}
	if results == nil {
		results = []models.ScanResult{}
	}
	return results, nil
}

// Health 查询后端健康状态。
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.Get(ctx, PathHealth, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observe(method, path, outcomeTransportError, time.Since(start))
		c.logger.Debug("backend unreachable", "method", method, "path", path, "error", err)
		return &TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.observe(method, path, outcomeHTTPError, time.Since(start))
		c.logger.Debug("backend error", "method", method, "path", path, "status", resp.StatusCode)
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Detail:     parseDetail(raw),
		}
	}

	c.metrics.observe(method, path, outcomeOK, time.Since(start))
	c.logger.Debug("backend call", "method", method, "path", path, "status", resp.StatusCode)
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
