package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type config struct {
	Listen        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	Store         string
	LockID        string
	Codec         string
	Autosave      time.Duration
	LogLevel      string
	Trace         bool
}

var (
	cfg     config
	rootCmd = &cobra.Command{
		Use:   "claimd",
		Short: "serve claim sessions over HTTP",
		Long: `claimd loads, saves and releases records shared between processes.
Configuration is read from flags or from environment variables in the form
CLAIMD_<FLAG> (e.g. CLAIMD_REDIS_ADDR=localhost:6379). .env and .env.local are
loaded when present.`,
		PreRunE:      processConfig,
		RunE:         run,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("listen", ":8080", "address of the HTTP API")
	f.String("redis-addr", "", "Redis address; records stay in memory when empty")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("nats-url", "", "NATS URL used for release request nudges instead of Redis pub/sub")
	f.String("store", "records", "name of the served store")
	f.String("lock-id", "", "lock id of this process (default hostname and random id)")
	f.String("codec", "json", "record encoding (json, canonical, gob)")
	f.Duration("autosave", 30*time.Second, "autosave interval, 0 disables")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("trace", false, "print OpenTelemetry spans to stdout")
}

// initConfig loads env files and binds CLAIMD_ variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("claimd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg = config{
		Listen:        viper.GetString("listen"),
		RedisAddr:     viper.GetString("redis-addr"),
		RedisPassword: viper.GetString("redis-password"),
		RedisDB:       viper.GetInt("redis-db"),
		NATSURL:       viper.GetString("nats-url"),
		Store:         viper.GetString("store"),
		LockID:        viper.GetString("lock-id"),
		Codec:         viper.GetString("codec"),
		Autosave:      viper.GetDuration("autosave"),
		LogLevel:      viper.GetString("log-level"),
		Trace:         viper.GetBool("trace"),
	}
	if cfg.Store == "" {
		return errors.New("store name is required")
	}
	if _, err := codecFor(cfg.Codec); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

func run(_ *cobra.Command, _ []string) error {
	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: d.routes()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("claimd: listening", "addr", cfg.Listen, "store", cfg.Store, "lock_id", d.store.LockID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = d.close(context.Background())
			return err
		}
	}

	logger.Info("claimd: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return d.close(sctx)
}
