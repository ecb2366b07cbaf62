package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	alarmapp "medication-reminder/internal/alarms/application"
	alarmhttp "medication-reminder/internal/alarms/interfaces/http"
	"medication-reminder/internal/auth"
	"medication-reminder/internal/observability/logging"
)

var (
	useMemory bool

	rootCmd = &cobra.Command{
		Use:           "medication-reminder",
		Short:         "Medication reminder scheduling and escalation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "Use in-memory stores instead of Postgres")
	rootCmd.AddCommand(serveCmd, pollCmd, sweepCmd, ackCmd, snoozeCmd, cancelCmd, tokenCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, poller and retention sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, loadConfig())
	},
}

func serve(ctx context.Context, cfg config) error {
	logger := logging.New(cfg.LogLevel)
	if cfg.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required")
	}
	loc, err := cfg.location()
	if err != nil {
		return err
	}
	engineCfg, err := alarmapp.LoadConfig()
	if err != nil {
		return fmt.Errorf("alarm config: %w", err)
	}

	st, err := openStores(ctx, cfg, useMemory, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	comp, err := buildComponents(cfg, engineCfg, st, loc, logger)
	if err != nil {
		return err
	}
	defer comp.Close()

	restored, err := comp.engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore open alarms: %w", err)
	}
	logger.WithField("restored", restored).Info("open alarms rescheduled")

	handler, err := alarmhttp.NewHandler(comp.engine,
		alarmhttp.WithMaintenance(comp.poller, comp.sweeper),
		alarmhttp.WithStream(comp.broker),
		alarmhttp.WithLocation(loc),
		alarmhttp.WithLogger(logger),
		alarmhttp.WithAuditLogger(st.audit),
	)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthz(st)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	handler.Register(router)

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(router), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	schedulerDone := make(chan error, 1)
	go func() { schedulerDone <- comp.scheduler.Start(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := <-schedulerDone; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func healthz(st stores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if st.db != nil {
			if err := st.db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func loggingMiddleware(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   resp.status,
			"duration": time.Since(start).String(),
		}).Info("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the event stream working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
