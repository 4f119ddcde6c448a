package auth

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"

	"github.com/hitushen/escudo/internal/api"
)

const sessionName = "escudo_session"

func init() {
	// 提示以 []interface{} 形式存放在会话值中。
	gob.Register([]interface{}{})
}

// Manager 把浏览器会话与 Session 关联起来。
type Manager struct {
	store  sessions.Store
	client *api.Client
	logger *slog.Logger
}

// CookieOptions 返回会话 cookie 的默认属性。
func CookieOptions(maxAge time.Duration, secure bool) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// NewCookieStore 创建把 token 保存在签名 cookie 中的会话存储。
func NewCookieStore(sessionKey []byte, opts *sessions.Options) *sessions.CookieStore {
	cookieStore := sessions.NewCookieStore(sessionKey)
	cookieStore.Options = opts
	cookieStore.MaxAge(opts.MaxAge)
	return cookieStore
}

// NewManager 使用会话存储与未携带凭证的基础客户端创建 Manager。
func NewManager(store sessions.Store, client *api.Client, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		client: client,
		logger: logger,
	}
}

// WebSession 是单个请求内的会话视图。
type WebSession struct {
	*Session
	raw   *sessions.Session
	store sessions.Store
}

// sessionDeleter 由按 ID 保存会话内容的存储实现。
type sessionDeleter interface {
	Delete(ctx context.Context, id string) error
}

// Login 登录成功后更换会话 ID，登录前签发的 ID 不再有效。
func (w *WebSession) Login(ctx context.Context, email, password string) (Navigation, error) {
	nav, err := w.Session.Login(ctx, email, password)
	if err != nil {
		return nav, err
	}
	if err := w.RenewID(ctx); err != nil {
		_, _ = w.Session.Logout()
		return Navigation{}, err
	}
	return nav, nil
}

// RenewID 丢弃当前会话 ID，下次 Save 时生成新 ID 并删除旧记录。
// cookie 存储没有服务端记录，只清空 ID。
func (w *WebSession) RenewID(ctx context.Context) error {
	old := w.raw.ID
	w.raw.ID = ""
	w.raw.IsNew = true
	if d, ok := w.store.(sessionDeleter); ok && old != "" {
		if err := d.Delete(ctx, old); err != nil {
			return fmt.Errorf("renew session id: %w", err)
		}
	}
	return nil
}

// AddFlash 添加一条跨跳转保留的提示。
func (w *WebSession) AddFlash(msg string) {
	w.raw.AddFlash(msg)
}

// Flashes 取出并清空提示。
func (w *WebSession) Flashes() []string {
	var out []string
	for _, f := range w.raw.Flashes() {
		if s, ok := f.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Save 写回会话，必须在写响应之前调用。
func (w *WebSession) Save(r *http.Request, rw http.ResponseWriter) error {
	return w.raw.Save(r, rw)
}

// Middleware 为每个请求加载会话并写入上下文。
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := m.store.Get(r, sessionName)
		if err != nil {
			// 无法解码的 cookie 视为匿名会话。
			m.logger.Warn("discarding unreadable session", "error", err)
		}
		if raw == nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		sess, err := NewSession(m.client, sessionTokens{raw: raw})
		if err != nil {
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		ws := &WebSession{Session: sess, raw: raw, store: m.store}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), ws)))
	})
}

// Require 拦截未登录的请求并重定向到登录页。
func (m *Manager) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := SessionFromContext(r.Context())
		if ws == nil {
			http.Error(w, "session middleware missing", http.StatusInternalServerError)
			return
		}
		nav, ok := ws.Guard(r.URL.RequestURI())
		if !ok {
			http.Redirect(w, r, nav.URL(), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ContextWithSession 将会话写入上下文。
func ContextWithSession(ctx context.Context, ws *WebSession) context.Context {
	return context.WithValue(ctx, contextKey("session"), ws)
}

// SessionFromContext 从上下文读取会话。
func SessionFromContext(ctx context.Context) *WebSession {
	ws, _ := ctx.Value(contextKey("session")).(*WebSession)
	return ws
}

type contextKey string

// sessionTokens 将 token 保存在会话值中，随 Save 一同写出。
type sessionTokens struct {
	raw *sessions.Session
}

func (t sessionTokens) LoadToken() (string, error) {
	token, _ := t.raw.Values[TokenKey].(string)
	return token, nil
}

func (t sessionTokens) SaveToken(token string) error {
	t.raw.Values[TokenKey] = token
	return nil
}

func (t sessionTokens) ClearToken() error {
	delete(t.raw.Values, TokenKey)
	return nil
}
