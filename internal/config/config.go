package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// 会话存储后端。
const (
	SessionStoreCookie = "cookie"
	SessionStoreSQLite = "sqlite"
)

// DefaultAPIURL 为未配置后端地址时使用的默认值。
const DefaultAPIURL = "http://localhost:8000"

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr          string
	APIURL        string
	APITimeout    time.Duration
	SessionKey    []byte
	CSRFKey       []byte
	SessionStore  string
	SessionDBPath string
	SessionMaxAge time.Duration
	SecureCookies bool
	LogLevel      string
	LogFormat     string
}

// Load 从环境变量构建配置，并提供合理的默认值。
func Load() (*Config, error) {
	cfg := &Config{
		Addr:          getenv("ESCUDO_HTTP_ADDR", ":8080"),
		APIURL:        getenv("ESCUDO_API_URL", DefaultAPIURL),
		APITimeout:    durationEnv("ESCUDO_API_TIMEOUT", 0),
		SessionKey:    []byte(getenv("ESCUDO_SESSION_KEY", "0123456789abcdef0123456789abcdef")),
		CSRFKey:       []byte(getenv("ESCUDO_CSRF_KEY", "abcdef0123456789abcdef0123456789")),
		SessionStore:  strings.ToLower(getenv("ESCUDO_SESSION_STORE", SessionStoreCookie)),
		SessionDBPath: getenv("ESCUDO_SESSION_DB", "data/sessions.db"),
		SessionMaxAge: durationEnv("ESCUDO_SESSION_MAX_AGE", 12*time.Hour),
		SecureCookies: boolEnv("ESCUDO_SECURE_COOKIES", false),
		LogLevel:      getenv("ESCUDO_LOG_LEVEL", "info"),
		LogFormat:     getenv("ESCUDO_LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置项之间的约束。
func (c *Config) Validate() error {
	if len(c.SessionKey) < 32 {
		return fmt.Errorf("session key must be at least 32 bytes, got %d", len(c.SessionKey))
	}
	if len(c.CSRFKey) < 32 {
		return fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(c.CSRFKey))
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api url %q", c.APIURL)
	}
	switch c.SessionStore {
	case SessionStoreCookie:
	case SessionStoreSQLite:
		if c.SessionDBPath == "" {
			return fmt.Errorf("session db path must not be empty")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("session max age must be positive")
	}
	if c.APITimeout < 0 {
		return fmt.Errorf("api timeout must not be negative")
	}
	return nil
}

// lookupEnv 返回去除空白后的环境变量值，空值视为未设置。
func lookupEnv(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

func getenv(key, fallback string) string {
	if value, ok := lookupEnv(key); ok {
		return value
	}
	return fallback
}

// durationEnv 接受 Go 时长（"90s"）或整数秒（"90"）；负值与无法解析的值回退到默认。
func durationEnv(key string, fallback time.Duration) time.Duration {
	val, ok := lookupEnv(key)
	if !ok {
		return fallback
	}
	if secs, err := strconv.Atoi(val); err == nil {
		val = strconv.Itoa(secs) + "s"
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	val, ok := lookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
