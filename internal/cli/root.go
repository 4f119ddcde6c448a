// Package cli 提供 escudo 命令行客户端，复用与网页端相同的会话与结果逻辑。
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitushen/escudo/internal/api"
	"github.com/hitushen/escudo/internal/auth"
	"github.com/hitushen/escudo/internal/config"
	"github.com/hitushen/escudo/internal/logging"
)

// ErrLoginRequired 表示命令需要先登录。
var ErrLoginRequired = errors.New(auth.MsgLoginRequired)

// app 保存单次命令执行所需的依赖。
type app struct {
	v       *viper.Viper
	cfgFile string

	logger  *slog.Logger
	session *auth.Session
}

// NewRootCmd 构造根命令；每次调用都使用独立的 viper 实例。
func NewRootCmd() *cobra.Command {
	root, _ := newRootCmd()
	return root
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "escudo",
		Short:         "Cliente de Escudo IA",
		Long:          "escudo inicia sesión en el backend de Escudo IA, lanza escaneos de red y muestra los resultados.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.String("api-url", config.DefaultAPIURL, "backend base URL")
	flags.Duration("timeout", 0, "per-request timeout (ESCUDO_API_TIMEOUT), 0 disables it")
	flags.String("token-file", "", "where the session token is kept")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")

	for key, flag := range map[string]string{
		"api_url":     "api-url",
		"api_timeout": "timeout",
		"token_file":  "token-file",
		"log_level":   "log-level",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
		}
	}

	root.AddCommand(
		a.loginCmd(),
		a.signupCmd(),
		a.logoutCmd(),
		a.scanCmd(),
		a.resultsCmd(),
		a.statusCmd(),
	)
	return root, a
}

// Execute 运行根命令，出错时以非零状态退出。
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		os.Exit(1)
	}
}

// setup 读取配置并据此构造客户端与会话。
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	a.logger = logging.New(cmd.ErrOrStderr(), a.v.GetString("log_level"), "text")

	client, err := api.New(a.v.GetString("api_url"),
		api.WithTimeout(a.v.GetDuration("api_timeout")),
		api.WithLogger(a.logger.With("component", "api")),
	)
	if err != nil {
		return err
	}

	path := a.v.GetString("token_file")
	if path == "" {
		if path, err = auth.DefaultTokenPath(); err != nil {
			return err
		}
	}
	a.session, err = auth.NewSession(client, auth.FileTokens{Path: path})
	if err != nil {
		return err
	}
	a.logger.Debug("session ready", "api", client.BaseURL(), "token_file", path, "authenticated", a.session.Authenticated())
	return nil
}

func (a *app) loadConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			a.v.AddConfigPath(filepath.Join(dir, "escudo"))
		}
		a.v.SetConfigType("yaml")
		a.v.SetConfigName("config")
	}

	a.v.SetEnvPrefix("ESCUDO")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// requireLogin 在执行受保护命令前运行路由守卫。
func (a *app) requireLogin(cmd *cobra.Command) error {
	if nav, ok := a.session.Guard(cmd.Name()); !ok {
		a.logger.Debug("guard redirect", "target", nav.URL())
		return ErrLoginRequired
	}
	return nil
}

// userError 记录原始错误，并返回面向用户的文案。
func (a *app) userError(err error, fallback string) error {
	a.logger.Debug("command failed", "error", err)
	return errors.New(api.Message(err, fallback))
}
