package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/gradeflow/internal/grading"
	"github.com/pavelanni/gradeflow/internal/handler"
	appI18n "github.com/pavelanni/gradeflow/internal/i18n"
	"github.com/pavelanni/gradeflow/internal/monitor"
	"github.com/pavelanni/gradeflow/internal/scheduler"
	"github.com/pavelanni/gradeflow/internal/session"
	"github.com/pavelanni/gradeflow/internal/store"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gradeflow",
		Short: "Exam grading session tracker for an external grading server",
	}

	serve := serveCmd()
	root.AddCommand(serve, checkCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `gradeflow --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// addGradingFlags registers the flags shared by commands that talk to the
// grading server.
func addGradingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "gradeflow.db", "SQLite database path")
	f.String("grading-server-url", "", "Grading server base URL (or set GRADING_SERVER_URL)")
	f.String("grading-ws-url", "", "Grading server WebSocket base URL (derived from the server URL if empty)")
	f.Duration("fetch-timeout", grading.DefaultFetchTimeout, "Timeout for grading status requests")
	f.Duration("upload-timeout", grading.DefaultUploadTimeout, "Timeout for exam uploads")
	f.Int("batch-size", monitor.DefaultBatchSize, "Maximum tasks checked per poll run")
	f.Duration("poll-lease", monitor.DefaultLeaseTTL, "How long one poll run may hold the poll lease")
	f.String("default-user-email", session.DefaultUserEmail, "Email of the user that owns new sessions")
	f.StringP("lang", "l", "en", "Language of session log messages (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addGradingFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("poll-schedule", "@every 1m", "Cron schedule of the status poll (empty disables it)")
	f.Bool("watch", true, "Follow dispatched tasks over WebSocket")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grading)")
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one status poll batch and print the summary as JSON",
		RunE:  runCheck,
	}
	addGradingFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export session results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "gradeflow.db", "SQLite database path")
	f.StringP("session", "s", "", "Grading session id (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("grading-server-url", "GRADEFLOW_GRADING_SERVER_URL", "GRADING_SERVER_URL")

	v.SetConfigName("gradeflow")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gradeflow")
	v.AddConfigPath("/etc/gradeflow")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// app holds the components shared by serve and check.
type app struct {
	db       *store.Store
	client   *grading.Client
	sessions *session.Service
	monitor  *monitor.Monitor
}

func newApp(v *viper.Viper, watch bool) (*app, error) {
	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	serverURL := v.GetString("grading-server-url")
	if serverURL == "" {
		slog.Warn("grading server URL is not set; status checks and uploads will fail until GRADING_SERVER_URL is configured")
	}
	client := grading.New(grading.Config{
		BaseURL:       serverURL,
		WSURL:         v.GetString("grading-ws-url"),
		FetchTimeout:  v.GetDuration("fetch-timeout"),
		UploadTimeout: v.GetDuration("upload-timeout"),
	})

	sessions := session.New(db, v.GetString("default-user-email"))
	mon := monitor.New(db, sessions, client, monitor.Config{
		BatchSize:       v.GetInt("batch-size"),
		LeaseTTL:        v.GetDuration("poll-lease"),
		WatchDispatched: watch && client.Configured(),
	})
	return &app{db: db, client: client, sessions: sessions, monitor: mon}, nil
}

func (a *app) Close() {
	a.monitor.Close()
	if err := a.db.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	a, err := newApp(v, v.GetBool("watch"))
	if err != nil {
		return err
	}
	defer a.Close()

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	lang := v.GetString("lang")
	h := handler.New(a.sessions, a.monitor, a.client)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	var sched *scheduler.Scheduler
	if spec := v.GetString("poll-schedule"); spec != "" {
		sched = scheduler.New(a.monitor, spec, v.GetDuration("poll-lease"))
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	} else {
		slog.Info("status poll scheduler disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("starting server",
		"addr", addr,
		"grading_server_url", v.GetString("grading-server-url"),
		"lang", lang,
		"poll_schedule", v.GetString("poll-schedule"),
		"batch_size", v.GetInt("batch-size"),
		"base_path", basePath,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	a, err := newApp(v, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	summary, err := a.monitor.CheckAllPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("check pending tasks: %w", err)
	}
	rechecked, err := a.sessions.RecheckActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("recheck sessions: %w", err)
	}
	return writeJSONOutput(os.Stdout, map[string]any{
		"summary":           summary,
		"sessionsRechecked": rechecked,
	})
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	export, err := db.ExportSession(ctx, v.GetString("session"))
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeJSONOutput(w, export)
}

func writeJSONOutput(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
