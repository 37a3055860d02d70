// Command canald runs the workflow execution daemon: it loads workflow
// files from a directory, opens the execution journal, and serves webhook
// triggers, the live event feed and Prometheus metrics over one HTTP
// listener.
//
// # Configuration
//
// Environment variables (a .env file in the working directory is loaded
// first):
//
//	CANAL_ADDR                      - HTTP listen address (default ":8080")
//	CANAL_DB                        - journal backend: "memory", a SQLite
//	                                  file path (default "canal.db"), or a
//	                                  MySQL DSN prefixed with "mysql://"
//	CANAL_WORKFLOWS_DIR             - directory of workflow JSON files
//	                                  (default "workflows")
//	CANAL_MAX_CONCURRENT_EXECUTIONS - process-wide execution cap
//	CANAL_DEFAULT_EXECUTION_TIMEOUT - fallback execution budget
//	CANAL_LOG_RETENTION_DAYS        - journal purge horizon in days
//	CANAL_EXPRESSION_TIMEOUT        - single expression evaluation budget
//	CANAL_DEBUG                     - verbose logging when set
//
// # Example
//
//	CANAL_DB=memory CANAL_WORKFLOWS_DIR=./workflows canald
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/canalhq/canal/flow"
	"github.com/canalhq/canal/flow/broadcast"
	"github.com/canalhq/canal/flow/journal"
	"github.com/canalhq/canal/flow/node"
	"github.com/canalhq/canal/webhook"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if os.Getenv("CANAL_DEBUG") != "" {
		log = log.Level(zerolog.DebugLevel)
	}
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("canald exiting")
	}
}

func run(log zerolog.Logger) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := flow.ConfigFromEnv()
	if err != nil {
		return err
	}
	addr := envOr("CANAL_ADDR", ":8080")
	workflowsDir := envOr("CANAL_WORKFLOWS_DIR", "workflows")

	store, err := openStore(os.Getenv("CANAL_DB"))
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := loadWorkflows(workflowsDir, log)
	if err != nil {
		return err
	}

	hubOpts := []broadcast.Option{broadcast.WithLogger(&log)}
	if log.GetLevel() <= zerolog.DebugLevel {
		hubOpts = append(hubOpts, broadcast.WithSink(broadcast.NewLogSink(log)))
	}
	hub := broadcast.NewHub(hubOpts...)
	defer hub.Close()

	promReg := prometheus.NewRegistry()
	engine := flow.New(node.Builtin(), store, hub,
		flow.WithLogger(log),
		flow.WithConfig(cfg),
		flow.WithMetrics(flow.NewMetrics(promReg)),
		flow.WithWriterOptions(journal.WriterOptions{Logger: &log}),
	)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go purgeLoop(ctx, store, cfg.LogRetentionDays, log)

	mux := http.NewServeMux()
	mux.Handle("/", webhook.NewServer(engine, source, webhook.WithLogger(log)).Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Int("webhooks", len(source)).Msg("canald listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

func openStore(setting string) (journal.Store, error) {
	switch {
	case setting == "" || setting == "canal.db":
		return journal.NewSQLiteStore("canal.db")
	case setting == "memory":
		return journal.NewMemoryStore(), nil
	case strings.HasPrefix(setting, "mysql://"):
		return journal.NewMySQLStore(strings.TrimPrefix(setting, "mysql://"))
	default:
		return journal.NewSQLiteStore(setting)
	}
}

// loadWorkflows reads every *.json workflow in dir and indexes the ones
// with a webhook trigger by their declared path. A missing directory is
// not an error; the daemon just serves no hooks.
func loadWorkflows(dir string, log zerolog.Logger) (webhook.StaticSource, error) {
	source := webhook.StaticSource{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("dir", dir).Msg("workflow directory missing, serving no hooks")
			return source, nil
		}
		return nil, fmt.Errorf("reading workflow directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		var wf flow.Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}
		if wf.ID == "" {
			wf.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		path := hookPath(&wf)
		if path == "" {
			log.Debug().Str("workflow", wf.ID).Msg("no webhook trigger, skipping")
			continue
		}
		if other, taken := source[path]; taken {
			return nil, fmt.Errorf("webhook path %q declared by both %s and %s", path, other.ID, wf.ID)
		}
		source[path] = &wf
		log.Info().Str("workflow", wf.ID).Str("path", "/hooks/"+path).Msg("registered webhook")
	}
	return source, nil
}

// hookPath returns the literal path of the workflow's webhook trigger,
// empty when there is none or the path is an expression.
func hookPath(wf *flow.Workflow) string {
	for i := range wf.Definition.Nodes {
		n := &wf.Definition.Nodes[i]
		if n.Kind != node.KeyWebhook {
			continue
		}
		p, _ := n.Parameters["path"].(string)
		if strings.Contains(p, "{{") {
			return ""
		}
		return strings.Trim(p, "/")
	}
	return ""
}

// purgeLoop deletes executions older than the retention horizon, once at
// startup and then twice a day.
func purgeLoop(ctx context.Context, store journal.Store, days int, log zerolog.Logger) {
	if days <= 0 {
		return
	}
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		cutoff := time.Now().AddDate(0, 0, -days)
		removed, err := store.PurgeBefore(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error().Err(err).Msg("journal purge failed")
		case removed > 0:
			log.Info().Int64("executions", removed).Time("cutoff", cutoff).Msg("purged journal history")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
