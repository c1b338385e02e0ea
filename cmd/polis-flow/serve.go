package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-flow/internal/governance"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/session"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	sessionCleanupInterval = time.Minute
	sessionTTL             = 30 * time.Minute
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve [FILE]",
		Short: "Expose metrics and execute a watched workflow on every change",
		Long: `Serve /metrics, /healthz, /executions and /audit, and execute the workflow document
every time it changes. A change cancels the execution still running for the previous
revision.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if listen != "" {
				a.cfg.Metrics.Listen = listen
			}

			manager := a.newManager()
			defer manager.Close()
			manager.StartCleanup(ctx, sessionCleanupInterval, sessionTTL)
			sess, err := manager.Create()
			if err != nil {
				return err
			}
			// the serve session reruns the watched workflow for the lifetime of the process
			if err := manager.Keep(sess.ID()); err != nil {
				return err
			}

			limiter := governance.NewRateLimiter(governance.RateLimiterConfig{
				RequestsPerSecond: a.cfg.Metrics.RequestsPerSecond,
				BurstSize:         a.cfg.Metrics.Burst,
			})
			handler := a.metrics.MetricsMiddleware(limiter.Middleware(newAdminMux(a, sess)))
			server := &http.Server{
				Addr:              a.cfg.Metrics.Listen,
				Handler:           otelhttp.NewHandler(handler, "polis-flow.admin"),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			a.logger.Info("admin server listening", "addr", ln.Addr().String())
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("admin server error", "error", err)
					cancel()
				}
			}()

			if path, err := workflowPath(args, a.cfg); err == nil {
				go func() {
					if err := watchWorkflow(ctx, a, path, func(wf domain.Workflow) {
						rerun(ctx, a.logger, sess, wf)
					}); err != nil {
						a.logger.Error("workflow watch failed", "error", err)
					}
				}()
			} else {
				a.logger.Info("no workflow file configured, serving endpoints only")
			}

			<-ctx.Done()
			a.logger.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address for the admin endpoints (overrides metrics.listen)")
	return cmd
}

// rerun loads a new revision, cancels the execution of the previous one and starts again.
func rerun(ctx context.Context, log *slog.Logger, sess *session.Session, wf domain.Workflow) {
	if execID, running := sess.Engine().Running(wf.ID); running && execID != "" {
		if err := sess.Cancel(execID); err == nil {
			if task, ok := sess.Engine().Task(execID); ok {
				waitCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
				_, _ = task.Wait(waitCtx)
				cancel()
			}
		}
	}
	// the previous run releases its slot just after it finishes
	for i := 0; i < 50; i++ {
		if _, running := sess.Engine().Running(wf.ID); !running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	loaded, err := sess.Open(wf)
	if err != nil {
		log.Error("workflow rejected", "workflow_id", wf.ID, "error", err)
		return
	}
	task, err := sess.Execute(ctx, loaded.ID)
	if err != nil {
		log.Error("execution not started", "workflow_id", loaded.ID, "code", domain.ErrorCode(err), "error", err)
		return
	}
	log.Info("execution started", "workflow_id", loaded.ID, "execution_id", task.ID())
}

// newAdminMux exposes health, metrics, execution history and the audit trail.
func newAdminMux(a *app, sess *session.Session) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/executions", func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.URL.Query().Get("workflow")
		if workflowID == "" {
			writeError(w, http.StatusBadRequest, domain.ErrorResponse{Code: "BAD_REQUEST", Message: "workflow query parameter is required"})
			return
		}
		list, err := a.store.ListExecutions(r.Context(), workflowID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, domain.ErrorResponse{Code: domain.ErrorCode(err), Message: "listing executions failed"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, list)
	})
	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		var since uint64
		if raw := r.URL.Query().Get("since"); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, domain.ErrorResponse{Code: "BAD_REQUEST", Message: "since must be a sequence number"})
				return
			}
			since = v
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, sess.Audit().Since(since))
	})
	return mux
}

func writeError(w http.ResponseWriter, status int, body domain.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSON(w, body)
}
