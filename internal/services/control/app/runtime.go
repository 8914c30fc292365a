// Package app wires the control-plane components into a runnable service:
// durable sqlite store, fast ephemeral store, lock service, checkpoint
// store, lifecycle manager, and event delivery, plus the gRPC health
// surface the process exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/platform/id"
	"github.com/symposium-ai/symposium/internal/services/control/checkpoint"
	"github.com/symposium-ai/symposium/internal/services/control/delivery"
	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/domain/session"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
	"github.com/symposium-ai/symposium/internal/services/control/faststore"
	"github.com/symposium-ai/symposium/internal/services/control/faststore/memory"
	faststoreredis "github.com/symposium-ai/symposium/internal/services/control/faststore/redis"
	"github.com/symposium-ai/symposium/internal/services/control/lifecycle"
	"github.com/symposium-ai/symposium/internal/services/control/lock"
	"github.com/symposium-ai/symposium/internal/services/control/storage"
	controlsqlite "github.com/symposium-ai/symposium/internal/services/control/storage/sqlite"
)

// RuntimeConfig controls control-plane startup and dependencies.
type RuntimeConfig struct {
	Port          int
	DBPath        string
	RedisAddr     string
	Node          string
	ShutdownGrace time.Duration
	PollInterval  time.Duration
	ReprobeEvery  int
	Authorizer    lifecycle.Authorizer
}

const (
	defaultControlPort   = 8090
	defaultControlDB     = "data/control.db"
	defaultShutdownGrace = 10 * time.Second
)

// denyAll is the authorizer used when the embedding process supplies none:
// no caller holds admin privilege.
type denyAll struct{}

func (denyAll) IsAdmin(context.Context, string) (bool, error) {
	return false, nil
}

// Runtime holds the wired control-plane components.
type Runtime struct {
	cfg         RuntimeConfig
	durable     storage.Store
	fast        faststore.Store
	gate        *delivery.Gate
	locks       *lock.Service
	checkpoints *checkpoint.Store
	recovery    *checkpoint.Recovery
	publisher   *delivery.Publisher
	watcher     *delivery.Watcher
	manager     *lifecycle.Manager
}

// NewRuntime opens stores and wires the control-plane components. The
// caller owns the returned runtime and must Close it.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Port <= 0 {
		cfg.Port = defaultControlPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultControlDB
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if strings.TrimSpace(cfg.Node) == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node = host
		}
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = denyAll{}
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create control storage dir: %w", err)
		}
	}
	durable, err := controlsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open control sqlite store: %w", err)
	}

	var fast faststore.Store
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		fast, err = faststoreredis.Open(ctx, addr)
		if err != nil {
			if closeErr := durable.Close(); closeErr != nil {
				log.Printf("close control sqlite store: %v", closeErr)
			}
			return nil, fmt.Errorf("open redis fast store: %w", err)
		}
	} else {
		log.Printf("no redis address configured, using in-process fast store")
		fast = memory.New()
	}

	gate := delivery.NewGate(fast, delivery.GateConfig{})
	locks := lock.NewService(fast)
	checkpoints := checkpoint.NewStore(fast, cfg.Node)
	recovery := checkpoint.NewRecovery(durable, checkpoints)
	publisher := delivery.NewPublisher(durable, fast, gate)
	watcher := delivery.NewWatcher(durable, fast, gate, delivery.WatcherConfig{
		PollInterval: cfg.PollInterval,
		ReprobeEvery: cfg.ReprobeEvery,
	})
	manager := lifecycle.NewManager(durable, checkpoints, locks, cfg.Authorizer, publisher)

	return &Runtime{
		cfg:         cfg,
		durable:     durable,
		fast:        fast,
		gate:        gate,
		locks:       locks,
		checkpoints: checkpoints,
		recovery:    recovery,
		publisher:   publisher,
		watcher:     watcher,
		manager:     manager,
	}, nil
}

// Close releases the runtime's stores.
func (r *Runtime) Close() error {
	var errs []error
	if err := r.fast.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close fast store: %w", err))
	}
	if err := r.durable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close durable store: %w", err))
	}
	return errors.Join(errs...)
}

// Manager exposes the session lifecycle manager.
func (r *Runtime) Manager() *lifecycle.Manager { return r.manager }

// Checkpoints exposes the checkpoint store.
func (r *Runtime) Checkpoints() *checkpoint.Store { return r.checkpoints }

// Recovery exposes the state recovery service.
func (r *Runtime) Recovery() *checkpoint.Recovery { return r.recovery }

// Publisher exposes the event publisher the execution engine writes to.
func (r *Runtime) Publisher() *delivery.Publisher { return r.publisher }

// Locks exposes the distributed lock service.
func (r *Runtime) Locks() *lock.Service { return r.locks }

// Sessions exposes the durable session and journal store.
func (r *Runtime) Sessions() storage.Store { return r.durable }

// StartSession launches a session run.
func (r *Runtime) StartSession(ctx context.Context, sessionID, ownerID string, work lifecycle.Work) error {
	return r.manager.Start(ctx, sessionID, ownerID, work)
}

// StartNewSession launches a run under a freshly generated session id and
// returns it.
func (r *Runtime) StartNewSession(ctx context.Context, ownerID string, work lifecycle.Work) (string, error) {
	sessionID, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	if err := r.manager.Start(ctx, sessionID, ownerID, work); err != nil {
		return "", err
	}
	return sessionID, nil
}

// KillSession stops a running session on behalf of its owner.
func (r *Runtime) KillSession(ctx context.Context, sessionID, requesterID, reason string) (bool, error) {
	return r.manager.Kill(ctx, sessionID, requesterID, reason)
}

// Watch streams a session's events from afterSeq.
func (r *Runtime) Watch(ctx context.Context, sessionID string, afterSeq uint64) (<-chan event.Event, error) {
	return r.watcher.Watch(ctx, sessionID, afterSeq)
}

// GetSession returns the durable session record.
func (r *Runtime) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	return r.durable.GetSession(ctx, sessionID)
}

// SubmitAnswer resolves a session's pending clarification on behalf of its
// owner. When the fast-store checkpoint is missing or corrupted the state
// is reconstructed from the journal, answered in memory, and saved back,
// so an answer survives a fast-store wipe.
func (r *Runtime) SubmitAnswer(ctx context.Context, sessionID, callerID, answer string) (state.State, error) {
	record, err := r.durable.GetSession(ctx, sessionID)
	if err != nil {
		return state.State{}, fmt.Errorf("load session: %w", err)
	}
	if record.OwnerID != callerID {
		return state.State{}, apperrors.WithMetadata(
			apperrors.CodePermissionDenied,
			"only the session owner may answer its clarification",
			map[string]string{"SessionID": sessionID},
		)
	}

	st, err := r.checkpoints.InjectAnswer(ctx, sessionID, answer)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, faststore.ErrNotFound) && !errors.Is(err, checkpoint.ErrCorrupted) {
		return state.State{}, err
	}

	restored, _, err := r.recovery.Restore(ctx, sessionID, false)
	if err != nil {
		return state.State{}, err
	}
	if restored.PendingClarification == nil {
		return state.State{}, apperrors.WithMetadata(
			apperrors.CodeConflict,
			"session has no pending clarification",
			map[string]string{"SessionID": sessionID},
		)
	}
	answered := *restored.PendingClarification
	answered.Answer = answer
	restored.AnsweredClarifications = append(restored.AnsweredClarifications, answered)
	restored.PendingClarification = nil
	restored.ShouldStop = false
	restored.StopReason = ""
	if err := r.checkpoints.Save(ctx, restored); err != nil {
		return state.State{}, err
	}
	return restored, nil
}

// Run starts the control-plane runtime and serves its health endpoint
// until ctx ends, then drains running sessions within the shutdown grace.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runtime, err := NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			log.Printf("close control runtime: %v", closeErr)
		}
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", runtime.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on control port %d: %w", runtime.cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("control.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("control server listening at %v", listener.Addr())
	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), runtime.cfg.ShutdownGrace+time.Second)
	defer cancel()
	runtime.manager.Shutdown(drainCtx, runtime.cfg.ShutdownGrace)
	return nil
}
