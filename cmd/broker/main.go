// Command broker runs the destination-routing message broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orchestra-mcp/broker/config"
	"github.com/orchestra-mcp/broker/providers"
	"github.com/orchestra-mcp/broker/src/bridge"
	"github.com/rs/zerolog"
	"go.uber.org/dig"
)

const shutdownTimeout = 10 * time.Second

func main() {
	c, err := buildContainer()
	if err == nil {
		err = c.Invoke(run)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bridgeConfig is the optional Redis relay configuration; a nil cfg runs
// the broker standalone.
type bridgeConfig struct {
	cfg *bridge.RedisConfig
}

func buildContainer() (*dig.Container, error) {
	c := dig.New()
	for _, ctor := range []any{
		loggerFromEnv,
		config.FromEnv,
		bridgeConfigFromEnv,
		newServer,
	} {
		if err := c.Provide(ctor); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func loggerFromEnv() zerolog.Logger {
	return newLogger(os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
}

func bridgeConfigFromEnv() bridgeConfig {
	if os.Getenv("REDIS_ADDR") == "" {
		return bridgeConfig{}
	}
	return bridgeConfig{cfg: bridge.RedisConfigFromEnv()}
}

func newServer(cfg *config.BrokerConfig, bc bridgeConfig, logger zerolog.Logger) (*providers.Server, error) {
	return providers.NewServer(cfg, bc.cfg, logger)
}

func run(srv *providers.Server, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

// newLogger builds a console logger unless format is "json".
func newLogger(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(format, "json") {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "broker").Logger()
}
