// Package api serves the local HTTP control API of a fleet.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bionicdonkey/AndroidMulti/fleet/cloner"
	"github.com/bionicdonkey/AndroidMulti/fleet/events"
	"github.com/bionicdonkey/AndroidMulti/fleet/inputsync"
	"github.com/bionicdonkey/AndroidMulti/fleet/journal"
	"github.com/bionicdonkey/AndroidMulti/fleet/manager"
	"github.com/bionicdonkey/AndroidMulti/fleet/metrics"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// Fleet is the coordinator surface the API exposes.
type Fleet interface {
	List() []types.InstanceRecord
	Get(name string) (types.InstanceRecord, error)
	Rename(oldName, newName string) (types.InstanceRecord, error)
	SetSync(name string, enabled bool) (types.InstanceRecord, error)
	Update(name string, newName *string, sync *bool) (types.InstanceRecord, error)
	Delete(ctx context.Context, name string, removeFiles bool) error
	Templates() ([]cloner.Template, error)
	Logs(name string, lines int) (string, error)

	CreateInstance(templateID, name string) *manager.Task
	CloneAndStart(templateID, name string) *manager.Task
	StartInstance(name string) *manager.Task
	StopInstance(name string) *manager.Task
	RestartInstance(name string) *manager.Task
	Task(id string) (*manager.Task, bool)

	EnableSync() []types.Target
	DisableSync()
	SyncEnabled() bool
	SyncGroup() []types.Target
	Dispatch(ctx context.Context, event inputsync.Event, source string) error
	Submit(event inputsync.Event, source string) error
	Install(ctx context.Context, apk string, names []string) error
	Push(ctx context.Context, local, remote string, names []string) error

	Subscribe(buffer int) <-chan events.Event
	Unsubscribe(ch <-chan events.Event)
	History(instance string, limit int) ([]journal.Entry, error)
}

// Config holds configuration for the Server
type Config struct {
	Fleet  Fleet
	Logger *slog.Logger
	// SecretKey signs bearer tokens. A nil key disables authentication.
	SecretKey        []byte
	AllowCrossOrigin bool
	// KeepAlive is the SSE keepalive interval. Defaults to 30s.
	KeepAlive time.Duration
}

// Server is the HTTP control API.
type Server struct {
	router           *mux.Router
	fleet            Fleet
	logger           *slog.Logger
	secretKey        []byte
	allowCrossOrigin bool
	keepAlive        time.Duration
}

// NewServer creates a Server and registers its routes.
func NewServer(config Config) (*Server, error) {
	if config.Fleet == nil {
		return nil, fmt.Errorf("Fleet is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}
	s := &Server{
		router:           mux.NewRouter(),
		fleet:            config.Fleet,
		logger:           logger.With("component", "API"),
		secretKey:        config.SecretKey,
		allowCrossOrigin: config.AllowCrossOrigin,
		keepAlive:        keepAlive,
	}
	metrics.RegisterMetrics()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/instances", s.loginRequired(s.listInstancesHandler)).Methods("GET")
	api.HandleFunc("/instances", s.loginRequired(s.createInstanceHandler)).Methods("POST")
	api.HandleFunc("/instances/{name}", s.loginRequired(s.getInstanceHandler)).Methods("GET")
	api.HandleFunc("/instances/{name}", s.loginRequired(s.updateInstanceHandler)).Methods("PATCH")
	api.HandleFunc("/instances/{name}", s.loginRequired(s.deleteInstanceHandler)).Methods("DELETE")
	api.HandleFunc("/instances/{name}/{action:start|stop|restart}", s.loginRequired(s.lifecycleHandler)).Methods("POST")
	api.HandleFunc("/instances/{name}/logs", s.loginRequired(s.logsHandler)).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.loginRequired(s.taskHandler)).Methods("GET")
	api.HandleFunc("/templates", s.loginRequired(s.templatesHandler)).Methods("GET")
	api.HandleFunc("/sync", s.loginRequired(s.syncStatusHandler)).Methods("GET")
	api.HandleFunc("/sync/{mode:enable|disable}", s.loginRequired(s.syncModeHandler)).Methods("POST")
	api.HandleFunc("/sync/dispatch", s.loginRequired(s.dispatchHandler)).Methods("POST")
	api.HandleFunc("/{op:install|push}", s.loginRequired(s.transferHandler)).Methods("POST")
	api.HandleFunc("/events", s.loginRequired(s.eventsHandler)).Methods("GET")
	api.HandleFunc("/history", s.loginRequired(s.historyHandler)).Methods("GET")

	s.router.Use(s.logRequests)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.enableCrossOrigin(s.router)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening", "addr", ln.Addr().String(), "auth", s.secretKey != nil)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control API shutdown: %w", err)
		}
		return nil
	}
}
