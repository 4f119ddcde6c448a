package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitushen/escudo/internal/api"
)

// TokenKey 是持久化 token 使用的固定键。
const TokenKey = "token"

// 页面路由。
const (
	RouteLogin     = "/login"
	RouteSignup    = "/signup"
	RouteDashboard = "/dashboard"
)

// 展示给用户的提示文案。
const (
	MsgLoginFailed   = "Error al iniciar sesión"
	MsgSignupFailed  = "Error al registrar"
	MsgSignupCreated = "Cuenta creada, ahora puedes iniciar sesión"
	MsgLoginRequired = "Por favor inicia sesión para continuar"
)

// ErrMissingToken 表示登录成功但响应中没有 access_token。
var ErrMissingToken = errors.New("backend returned no access token")

// Navigation 描述状态转换之后的跳转。
// Return 记录被拦截时原本请求的位置，仅用于提示。
type Navigation struct {
	Target  string
	Return  string
	Replace bool
}

// URL 返回跳转地址，Return 以 from 查询参数附带。
func (n Navigation) URL() string {
	if n.Return == "" {
		return n.Target
	}
	return n.Target + "?from=" + url.QueryEscape(n.Return)
}

// TokenStore 负责持久化会话 token。
type TokenStore interface {
	LoadToken() (string, error)
	SaveToken(token string) error
	ClearToken() error
}

// AuthError 表示后端拒绝了登录或注册。
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

// Credentials 是登录与注册表单。
type Credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

var validate = validator.New()

// Validate 在请求发出前检查表单。
func (c Credentials) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "Email":
		return &api.ValidationError{Field: "email", Message: "Ingresa un email válido"}
	default:
		return &api.ValidationError{Field: "password", Message: "Ingresa tu contraseña"}
	}
}

// Session 持有当前 token，并维护与之绑定的 API 客户端。
type Session struct {
	base   *api.Client
	client *api.Client
	tokens TokenStore
	token  string
}

// NewSession 从 tokens 读取已持久化的 token 并创建 Session。
func NewSession(base *api.Client, tokens TokenStore) (*Session, error) {
	token, err := tokens.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	s := &Session{base: base, tokens: tokens}
	s.setToken(token)
	return s, nil
}

// Token 返回当前 token，未登录时为空。
func (s *Session) Token() string { return s.token }

// Authenticated 报告是否持有 token。
func (s *Session) Authenticated() bool { return s.token != "" }

// Client 返回携带当前凭证的 API 客户端。
func (s *Session) Client() *api.Client { return s.client }

// Guard 对当前位置执行路由守卫。
func (s *Session) Guard(location string) (Navigation, bool) {
	return Guard(s.token, location)
}

// Login 以表单凭证登录，成功后持久化 token 并跳转到仪表盘。
func (s *Session) Login(ctx context.Context, email, password string) (Navigation, error) {
	creds := Credentials{Email: strings.TrimSpace(email), Password: password}
	if err := creds.Validate(); err != nil {
		return Navigation{}, err
	}
	token, err := s.base.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return Navigation{}, &AuthError{Op: "login", Err: err}
	}
	if token == "" {
		return Navigation{}, &AuthError{Op: "login", Err: ErrMissingToken}
	}
	if err := s.tokens.SaveToken(token); err != nil {
		return Navigation{}, fmt.Errorf("persist token: %w", err)
	}
	s.setToken(token)
	return Navigation{Target: RouteDashboard, Replace: true}, nil
}

// Signup 注册账户，成功后跳转到登录页；不会改变 token。
func (s *Session) Signup(ctx context.Context, email, password string) (Navigation, error) {
	creds := Credentials{Email: strings.TrimSpace(email), Password: password}
	if err := creds.Validate(); err != nil {
		return Navigation{}, err
	}
	if err := s.base.Signup(ctx, creds.Email, creds.Password); err != nil {
		return Navigation{}, &AuthError{Op: "signup", Err: err}
	}
	return Navigation{Target: RouteLogin, Replace: true}, nil
}

// Logout 清除内存与持久化的 token，并跳转到登录页。
func (s *Session) Logout() (Navigation, error) {
	s.setToken("")
	if err := s.tokens.ClearToken(); err != nil {
		return Navigation{}, fmt.Errorf("clear token: %w", err)
	}
	return Navigation{Target: RouteLogin, Replace: true}, nil
}

// setToken 在返回前替换客户端，之后构造的请求都使用新凭证。
func (s *Session) setToken(token string) {
	s.token = token
	s.client = s.base.WithToken(token)
}
