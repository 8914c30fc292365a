// Package control parses control command flags and launches the
// control-plane runtime.
package control

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/symposium-ai/symposium/internal/platform/cmd"
	controlserver "github.com/symposium-ai/symposium/internal/services/control/app"
)

// Config holds control command configuration.
type Config struct {
	Port          int           `env:"SYMPOSIUM_CONTROL_PORT" envDefault:"8090"`
	DBPath        string        `env:"SYMPOSIUM_CONTROL_DB_PATH" envDefault:"data/control.db"`
	RedisAddr     string        `env:"SYMPOSIUM_CONTROL_REDIS_ADDR"`
	Node          string        `env:"SYMPOSIUM_CONTROL_NODE"`
	ShutdownGrace time.Duration `env:"SYMPOSIUM_CONTROL_SHUTDOWN_GRACE" envDefault:"10s"`
	PollInterval  time.Duration `env:"SYMPOSIUM_CONTROL_POLL_INTERVAL" envDefault:"1s"`
	ReprobeEvery  int           `env:"SYMPOSIUM_CONTROL_REPROBE_EVERY" envDefault:"10"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The control health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The control SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "The redis fast store address (empty uses the in-process store)")
	fs.StringVar(&cfg.Node, "node", cfg.Node, "Node name stamped on checkpoints (defaults to hostname)")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period for draining sessions on shutdown")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Journal poll interval for fallback watchers")
	fs.IntVar(&cfg.ReprobeEvery, "reprobe-every", cfg.ReprobeEvery, "Polls between fast store health re-probes")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the control runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceControl, func(context.Context) error {
		return controlserver.Run(ctx, controlserver.RuntimeConfig{
			Port:          cfg.Port,
			DBPath:        cfg.DBPath,
			RedisAddr:     cfg.RedisAddr,
			Node:          cfg.Node,
			ShutdownGrace: cfg.ShutdownGrace,
			PollInterval:  cfg.PollInterval,
			ReprobeEvery:  cfg.ReprobeEvery,
		})
	})
}
