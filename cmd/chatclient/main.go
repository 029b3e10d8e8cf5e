package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/toy-chat-client/internal/app"
	"github.com/omochice/toy-chat-client/internal/auth"
	"github.com/omochice/toy-chat-client/internal/config"
	"github.com/omochice/toy-chat-client/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "chatclient",
	Short:         "Terminal client for the real-time chat service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagWSURL     string
	flagAPIURL    string
	flagToken     string
	flagTransport string
	flagDataPath  string
	flagHTTPAddr  string
	flagLogLevel  string
	flagLogFile   string
	flagPolicy    string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagWSURL, "ws-url", "", "websocket base URL (overrides CHAT_WS_URL)")
	flags.StringVar(&flagAPIURL, "api-url", "", "REST base URL (overrides CHAT_API_URL)")
	flags.StringVar(&flagToken, "token", "", "use this token instead of the saved session")
	flags.StringVar(&flagTransport, "transport", "", "websocket library: gorilla or gobwas")
	flags.StringVar(&flagDataPath, "data-path", "", "directory for the local transcript cache")
	flags.StringVar(&flagHTTPAddr, "http-addr", "", "serve /status and /metrics on this address")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&flagLogFile, "log-file", "", "also write JSON logs to this file")
	flags.StringVar(&flagPolicy, "merge-policy", "", "live message merge: append or dedup")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	override("ws-url", &cfg.WSURL, flagWSURL)
	override("api-url", &cfg.APIURL, flagAPIURL)
	override("token", &cfg.Token, flagToken)
	override("transport", &cfg.Transport, flagTransport)
	override("data-path", &cfg.DataPath, flagDataPath)
	override("http-addr", &cfg.HTTPAddr, flagHTTPAddr)
	override("log-level", &cfg.LogLevel, flagLogLevel)
	override("log-file", &cfg.LogFile, flagLogFile)
	override("merge-policy", &cfg.MergePolicy, flagPolicy)

	return cfg, cfg.Validate()
}

func tokenStore(cfg config.Config) (auth.FileStore, error) {
	if cfg.TokenFile != "" {
		return auth.FileStore{Path: cfg.TokenFile}, nil
	}
	path, err := auth.DefaultTokenPath()
	if err != nil {
		return auth.FileStore{}, err
	}
	return auth.FileStore{Path: path}, nil
}

// env is what every command runs with.
type env struct {
	cfg     config.Config
	log     zerolog.Logger
	store   auth.FileStore
	cleanup func() error
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := tokenStore(cfg)
	if err != nil {
		return nil, err
	}
	logger, cleanup := logging.Setup(cfg.Level(), cfg.LogFile)
	return &env{cfg: cfg, log: logger, store: store, cleanup: cleanup}, nil
}

func (e *env) newApp() (*app.App, error) {
	return app.New(app.Options{Config: e.cfg, Logger: e.log, TokenStore: e.store})
}

func (e *env) close(a *app.App) {
	if a != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			e.log.Warn().Err(err).Msg("shutdown")
		}
	}
	_ = e.cleanup()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
