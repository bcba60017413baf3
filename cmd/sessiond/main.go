// Command sessiond is the process entrypoint: flag parsing, component
// wiring, and graceful shutdown, following the teacher's own cmd/kojo/main.go
// shape (flag.Int/Bool directly, no config-loading library, tsnet for
// remote exposure with a localhost fallback).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/sessiond/sessiond/internal/contextmon"
	"github.com/sessiond/sessiond/internal/domain"
	"github.com/sessiond/sessiond/internal/events"
	"github.com/sessiond/sessiond/internal/handoff"
	"github.com/sessiond/sessiond/internal/jobs"
	"github.com/sessiond/sessiond/internal/multiplexer"
	"github.com/sessiond/sessiond/internal/notify"
	"github.com/sessiond/sessiond/internal/pty"
	"github.com/sessiond/sessiond/internal/realtime"
	"github.com/sessiond/sessiond/internal/repository"
	"github.com/sessiond/sessiond/internal/repository/sqlite"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/ticket"
	"github.com/sessiond/sessiond/internal/waiting"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 7337, "port number (auto-increments if busy)")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	dsn := flag.String("storage", "sessiond.db", "sqlite storage connection string")
	threshold := flag.Int("context-threshold", 20, "context-remaining percent (5-50) that triggers auto-handoff")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	apiKey := flag.String("api-key", "", "optional shared-secret API key required on the realtime endpoint")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("sessiond", version)
		return
	}
	if *threshold < 5 || *threshold > 50 {
		fmt.Fprintln(os.Stderr, "--context-threshold must be between 5 and 50")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	store, err := sqlite.Open(*dsn, logger)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := events.New()
	mux := multiplexer.New("sessiond_", logger)
	ptyMgr := pty.NewManager(mux, bus, logger)
	supervisor := session.New(mux, store, bus, logger)

	ctxMonitor, err := contextmon.New(bus, logger)
	if err != nil {
		logger.Error("failed to start context monitor", "err", err)
		os.Exit(1)
	}
	ctxMonitor.Threshold = *threshold

	detector := waiting.New(bus, logger)
	ticketMachine := ticket.New(store.Tickets(), store.TicketStateHistory(), bus, supervisor, logger)
	supervisor.SetTicketStarter(ticketMachine)

	orchestrator := handoff.New(mux, store, bus, supervisor, logger)
	orchestrator.Start()
	defer orchestrator.Stop()

	notifier := notify.NewDispatcher(store.Notifications(), bus, logger)

	scheduler := jobs.New(supervisor, store.Notifications(), logger)

	hub := realtime.New(bus, supervisor, ptyMgr, logger)
	defer hub.Stop()

	glue := newWiring(bus, store, ctxMonitor, detector, supervisor, logger)
	glue.start()
	defer glue.stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.ReconcileOrphans(ctx); err != nil {
		logger.Warn("startup reconciliation failed", "err", err)
	}
	notifier.Start(ctx)
	defer notifier.Stop()
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start housekeeping scheduler", "err", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("GET /ws", authenticated(*apiKey, hub.ServeWS))

	httpSrv := &http.Server{Handler: httpMux}

	if *local {
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  sessiond v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		tsServer := &tsnet.Server{
			Hostname: "sessiond",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		defer tsServer.Close()

		ln, err := tsServer.Listen("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  sessiond v%s running on tailnet port %d\n\n", version, *port)
		go func() {
			if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	supervisor.Stop()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// authenticated enforces spec.md §6's optional shared-secret API key on the
// realtime endpoint. An empty key disables the check entirely.
func authenticated(apiKey string, next http.HandlerFunc) http.HandlerFunc {
	if apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + apiKey
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	var lastErr error
	for i := range maxAttempts {
		addr := fmt.Sprintf("%s:%d", host, startPort+i)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		logger.Debug("port unavailable, trying next", "addr", addr, "err", err)
	}
	return nil, lastErr
}

// telemetryPath is the process's own convention for where the assistant
// writes a session's telemetry file, since spec.md leaves the exact path
// unspecified ("an out-of-band telemetry file per session" — External
// Interfaces §6 describes only the record format, not the path).
func telemetryPath(repoPath, sessionID string) string {
	return filepath.Join(repoPath, ".sessiond", sessionID+".jsonl")
}

// contextUpdater is the narrow capability the wiring goroutine needs from
// the Session Supervisor to keep its cached ContextPercent in sync with
// the Context Monitor's samples, without importing internal/session's
// full surface.
type contextUpdater interface {
	UpdateContextPercent(sessionID string, percent int)
}

// wiring subscribes to the bus on behalf of components that must react to
// another component's events without importing each other directly
// (SPEC_FULL.md §9's "cyclic dependencies -> bus as mediator"): it starts
// and stops the Context Monitor's and Waiting Detector's per-session
// watches as sessions transition to running/exited, and forwards context
// samples into the Supervisor's cached ContextPercent.
type wiring struct {
	bus      *events.Bus
	repo     repository.Repository
	ctxMon   *contextmon.Monitor
	detector *waiting.Detector
	updater  contextUpdater
	log      *slog.Logger

	sub    <-chan events.Event
	stopCh chan struct{}
	done   chan struct{}
}

func newWiring(bus *events.Bus, repo repository.Repository, ctxMon *contextmon.Monitor, detector *waiting.Detector, updater contextUpdater, log *slog.Logger) *wiring {
	return &wiring{
		bus:      bus,
		repo:     repo,
		ctxMon:   ctxMon,
		detector: detector,
		updater:  updater,
		log:      log,
	}
}

func (w *wiring) start() {
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.sub = w.bus.Subscribe("")
	go w.run()
}

func (w *wiring) stop() {
	close(w.stopCh)
	<-w.done
	w.bus.Unsubscribe(w.sub)
}

func (w *wiring) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case e, ok := <-w.sub:
			if !ok {
				return
			}
			w.handle(e)
		}
	}
}

func (w *wiring) handle(e events.Event) {
	switch p := e.Payload.(type) {
	case domain.SessionStatusEvent:
		if p.NewStatus == domain.SessionRunning {
			w.watch(p.SessionID)
		}
	case domain.SessionExitEvent:
		w.ctxMon.Unwatch(p.SessionID)
		w.detector.UnwatchSession(p.SessionID)
	case domain.ContextSampleEvent:
		w.updater.UpdateContextPercent(p.SessionID, p.Percent)
	}
}

func (w *wiring) watch(sessionID string) {
	ctx := context.Background()
	sess, err := w.repo.Sessions().FindUnique(ctx, sessionID)
	if err != nil {
		w.log.Warn("wiring: session lookup failed, not watching", "session", sessionID, "err", err)
		return
	}
	project, err := w.repo.Projects().GetByID(ctx, sess.ProjectID)
	if err != nil {
		w.log.Warn("wiring: project lookup failed, not watching", "session", sessionID, "err", err)
		return
	}
	path := telemetryPath(project.RepoPath, sessionID)
	if err := w.ctxMon.Watch(sessionID, path); err != nil {
		w.log.Warn("wiring: failed to watch telemetry file", "session", sessionID, "path", path, "err", err)
	}
	w.detector.WatchSession(sessionID)
}
