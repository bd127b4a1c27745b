// Package app wires the consensus core, state machine, transport, and
// observability into a runnable node process.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hongwei-wu/zraft/internal/raft"
	"github.com/hongwei-wu/zraft/internal/service"
	"github.com/hongwei-wu/zraft/internal/transport/grpcraft"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App runs a single node: the consensus instance, its transport, the KV
// API, and the metrics endpoint.
type App struct {
	config    Config
	logger    Logger
	raft      *raft.Raft
	kv        *service.KV
	transport *grpcraft.Transport
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger, r *raft.Raft, kvSvc *service.KV, transport *grpcraft.Transport) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if r == nil {
		return nil, fmt.Errorf("app: nil raft")
	}
	if kvSvc == nil {
		return nil, fmt.Errorf("app: nil kv service")
	}
	if transport == nil {
		return nil, fmt.Errorf("app: nil transport")
	}
	return &App{
		config:    cfg,
		logger:    logger,
		raft:      r,
		kv:        kvSvc,
		transport: transport,
	}, nil
}

// Stop stops the consensus instance and the transport.
func (a *App) Stop() {
	a.raft.Stop()
	a.transport.Close()
}

// Run starts everything and blocks until shutdown or a fatal error.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	raftLis, err := net.Listen("tcp", a.config.RaftAddr)
	if err != nil {
		return fmt.Errorf("listen raft %s: %w", a.config.RaftAddr, err)
	}
	apiLis, err := net.Listen("tcp", a.config.APIAddr)
	if err != nil {
		_ = raftLis.Close()
		return fmt.Errorf("listen api %s: %w", a.config.APIAddr, err)
	}

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		_ = raftLis.Close()
		_ = apiLis.Close()
		return err
	}

	a.raft.Run(ctx)

	a.logger.Info(
		"node started",
		"server_id", a.config.ServerID,
		"raft_addr", a.config.RaftAddr,
		"api_addr", a.config.APIAddr,
	)

	errCh := make(chan error, 3)

	go func() {
		if err := a.transport.Serve(raftLis); err != nil {
			errCh <- fmt.Errorf("raft transport serve: %w", err)
		}
	}()

	apiSrv := &http.Server{
		Handler:           a.apiHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api serve: %w", err)
		}
	}()

	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownHTTPServer(apiSrv, a.logger, "api server")
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		return nil
	case err := <-errCh:
		shutdownHTTPServer(apiSrv, a.logger, "api server")
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		return err
	}
}

// apiHandler serves the KV and admin endpoints:
//
//	GET    /kv/{key}    read local applied state
//	PUT    /kv/{key}    replicate a put (body is the value)
//	DELETE /kv/{key}    replicate a delete
//	GET    /admin/state diagnostic snapshot
func (a *App) apiHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/kv/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/kv/"):]
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodGet:
			value, ok := a.kv.Get(key)
			if !ok {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(value))

		case http.MethodPut:
			value, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			a.writeProposalResult(w, a.kv.Put(r.Context(), key, string(value)))

		case http.MethodDelete:
			a.writeProposalResult(w, a.kv.Delete(r.Context(), key))

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/admin/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.raft.AdminState())
	})

	return mux
}

func (a *App) writeProposalResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, raft.ErrNotLeader):
		leader := a.raft.LeaderID()
		w.Header().Set("X-Raft-Leader", fmt.Sprintf("%d", leader))
		http.Error(w, "not leader", http.StatusMisdirectedRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
