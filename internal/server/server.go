package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/gorilla/handlers"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitushen/escudo/internal/api"
	"github.com/hitushen/escudo/internal/auth"
	"github.com/hitushen/escudo/internal/config"
	"github.com/hitushen/escudo/internal/models"
	"github.com/hitushen/escudo/internal/scans"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const purgeInterval = 10 * time.Minute

// Server 负责协调 HTTP 路由、模板渲染与会话。
type Server struct {
	cfg       *config.Config
	auth      *auth.Manager
	registry  *prometheus.Registry
	templates *template.Template
	logger    *slog.Logger

	sqlStore  *auth.SQLiteStore
	stopPurge chan struct{}
	closeOnce sync.Once
}

// New 创建并初始化带路由的 Server。
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := api.New(cfg.APIURL,
		api.WithTimeout(cfg.APITimeout),
		api.WithMetrics(api.NewMetrics(registry)),
		api.WithLogger(logger.With("component", "api")),
	)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:       cfg,
		registry:  registry,
		templates: tmpl,
		logger:    logger,
		stopPurge: make(chan struct{}),
	}

	opts := auth.CookieOptions(cfg.SessionMaxAge, cfg.SecureCookies)
	var store sessions.Store
	switch cfg.SessionStore {
	case config.SessionStoreSQLite:
		sqlStore, err := auth.NewSQLiteStore(cfg.SessionDBPath, opts, cfg.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		srv.sqlStore = sqlStore
		store = sqlStore
		go srv.purgeLoop()
	default:
		store = auth.NewCookieStore(cfg.SessionKey, opts)
	}

	srv.auth = auth.NewManager(store, client, logger.With("component", "session"))
	return srv, nil
}

// Close 关闭后台组件。
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.stopPurge)
		if s.sqlStore != nil {
			if err := s.sqlStore.Close(); err != nil {
				s.logger.Warn("close session store", "error", err)
			}
		}
	})
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		s.cfg.CSRFKey,
		csrf.Secure(s.cfg.SecureCookies),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
	)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(web chi.Router) {
		web.Use(csrfMiddleware)
		web.Use(s.auth.Middleware)

		web.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, auth.RouteDashboard, http.StatusFound)
		})
		web.Get(auth.RouteLogin, s.showLogin)
		web.Post(auth.RouteLogin, s.handleLogin)
		web.Get(auth.RouteSignup, s.showSignup)
		web.Post(auth.RouteSignup, s.handleSignup)

		web.Group(func(priv chi.Router) {
			priv.Use(s.auth.Require)
			priv.Get(auth.RouteDashboard, s.dashboard)
			priv.Post(auth.RouteDashboard+"/scan", s.handleScan)
			priv.Post("/logout", s.handleLogout)
		})
	})

	return handlers.CompressHandler(r)
}

type page struct {
	Title     string
	CSRFField template.HTML
	Notices   []string
	Error     string

	Email string
	Hint  string

	IP         string
	HasResults bool
	Rows       []models.Row
	Header     []string
	EmptyText  string
}

func (s *Server) showLogin(w http.ResponseWriter, r *http.Request) {
	p := page{Title: "Iniciar sesión"}
	if r.URL.Query().Get("from") != "" {
		p.Hint = auth.MsgLoginRequired
	}
	s.render(w, r, "login", http.StatusOK, p)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ws := auth.SessionFromContext(r.Context())
	email := r.PostFormValue("email")
	nav, err := ws.Login(r.Context(), email, r.PostFormValue("password"))
	if err != nil {
		s.logger.Info("login rejected", "error", err)
		s.render(w, r, "login", statusFor(err), page{
			Title: "Iniciar sesión",
			Error: api.Message(err, auth.MsgLoginFailed),
			Email: email,
		})
		return
	}
	s.navigate(w, r, ws, nav)
}

func (s *Server) showSignup(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "signup", http.StatusOK, page{Title: "Registro"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ws := auth.SessionFromContext(r.Context())
	email := r.PostFormValue("email")
	nav, err := ws.Signup(r.Context(), email, r.PostFormValue("password"))
	if err != nil {
		s.logger.Info("signup rejected", "error", err)
		s.render(w, r, "signup", statusFor(err), page{
			Title: "Registro",
			Error: api.Message(err, auth.MsgSignupFailed),
			Email: email,
		})
		return
	}
	ws.AddFlash(auth.MsgSignupCreated)
	s.navigate(w, r, ws, nav)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ws := auth.SessionFromContext(r.Context())
	nav, err := ws.Logout()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.navigate(w, r, ws, nav)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ws := auth.SessionFromContext(r.Context())
	p := page{Title: "Dashboard"}
	results, err := scans.List(r.Context(), ws.Client())
	if err != nil {
		s.logger.Warn("load scan results", "error", err)
		p.Error = scans.MsgLoadFailed
		results = nil
	}
	s.renderDashboard(w, r, http.StatusOK, p, results)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ws := auth.SessionFromContext(r.Context())
	ip := r.PostFormValue("ip")
	results, err := scans.Submit(r.Context(), ws.Client(), ip)
	if err != nil {
		s.logger.Info("scan not started", "ip", strings.TrimSpace(ip), "error", err)
		ws.AddFlash(api.Message(err, scans.MsgScanFailed))
		s.navigate(w, r, ws, auth.Navigation{Target: auth.RouteDashboard, Replace: true})
		return
	}
	s.renderDashboard(w, r, http.StatusOK, page{
		Title:   "Dashboard",
		Notices: []string{scans.MsgScanStarted},
		IP:      strings.TrimSpace(ip),
	}, results)
}

func (s *Server) renderDashboard(w http.ResponseWriter, r *http.Request, status int, p page, results []models.ScanResult) {
	p.HasResults = len(results) > 0
	p.Rows = models.Flatten(results)
	p.Header = models.TableHeader
	p.EmptyText = scans.MsgNoResultsYet
	s.render(w, r, "dashboard", status, p)
}

// navigate 保存会话后执行跳转；POST 之后使用 303 以替换历史记录。
func (s *Server) navigate(w http.ResponseWriter, r *http.Request, ws *auth.WebSession, nav auth.Navigation) {
	if err := ws.Save(r, w); err != nil {
		s.logger.Error("save session", "error", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, nav.URL(), http.StatusSeeOther)
}

// render 取出提示、保存会话，再输出模板。
func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, status int, p page) {
	ws := auth.SessionFromContext(r.Context())
	p.Notices = append(ws.Flashes(), p.Notices...)
	p.CSRFField = csrf.TemplateField(r)
	if err := ws.Save(r, w); err != nil {
		s.logger.Error("save session", "error", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, p); err != nil {
		s.logger.Error("render template", "template", name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) purgeLoop() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := s.sqlStore.Purge(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("purge sessions", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired sessions", "count", n)
			}
		case <-s.stopPurge:
			return
		}
	}
}

func statusFor(err error) int {
	var verr *api.ValidationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity
	}
	var herr *api.HTTPError
	if errors.As(err, &herr) && herr.StatusCode >= 400 && herr.StatusCode < 500 {
		return herr.StatusCode
	}
	return http.StatusBadGateway
}
