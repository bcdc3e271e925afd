// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelline/ingest/internal/config"
	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/hooks"
	"github.com/funnelline/ingest/internal/metrics"
	"github.com/funnelline/ingest/internal/person"
	"github.com/funnelline/ingest/internal/persistence/postgres"
	"github.com/funnelline/ingest/internal/pipeline"
	"github.com/funnelline/ingest/internal/pipeline/steps"
	"github.com/funnelline/ingest/internal/plugins"
	"github.com/funnelline/ingest/internal/repository"
)

func main() {
	logger := newLogger()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, logger)
	case "create-team":
		err = runCreateTeam(ctx, logger, os.Args[2:])
	case "ingest":
		err = runIngest(ctx, logger, os.Args[2:])
	case "replay-async":
		err = runReplayAsync(ctx, logger, os.Args[2:])
	case "dead-letter":
		err = runDeadLetter(ctx, logger, os.Args[2:])
	case "validate":
		if err := runValidate(ctx, logger); err != nil {
			logger.Error("validation failed", "error", err)
			os.Exit(1)
		}
		logger.Info("validation passed")
		return
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		logger.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

// ---------------- DATABASE COMMANDS ----------------

func runMigrate(ctx context.Context, logger *slog.Logger) error {
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("schema up to date", "database_url", redactDatabaseURL(cfg.DatabaseURL))
	return nil
}

func runCreateTeam(ctx context.Context, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("create-team", flag.ExitOnError)
	name := flags.String("name", "", "team name")
	webhookURL := flags.String("webhook-url", "", "endpoint to notify for processed events")
	webhookSecret := flags.String("webhook-secret", "", "secret used to sign webhook payloads")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("missing -name")
	}

	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	token := "phc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	team, err := repository.NewTeamRepository(pool, logger).CreateTeam(ctx, domain.Team{
		Name:          strings.TrimSpace(*name),
		APIToken:      token,
		WebhookURL:    strings.TrimSpace(*webhookURL),
		WebhookSecret: *webhookSecret,
	})
	if err != nil {
		return err
	}

	fmt.Printf("team %d (%s) created\ntoken: %s\n", team.ID, team.Name, team.APIToken)
	return nil
}

// ingestLine is one jsonl record in the capture shape.
type ingestLine struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Timestamp  string         `json:"timestamp"`
	Properties map[string]any `json:"properties"`
}

func runIngest(ctx context.Context, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	token := flags.String("token", "", "api token of the owning team")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*token) == "" {
		return errors.New("missing -token")
	}
	if flags.NArg() != 1 {
		return errors.New("expected exactly one jsonl file argument")
	}

	file, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer file.Close()

	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	pipe := buildPipeline(pool, logger, cfg)

	started := time.Now()
	submitted := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line ingestLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		ev, err := line.asIngestEvent(*token)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}

		pipe.RunEventPipeline(ctx, ev)
		submitted++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	logger.Info("ingest complete",
		"file", flags.Arg(0),
		"events", submitted,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func (l ingestLine) asIngestEvent(token string) (domain.IngestEvent, error) {
	if strings.TrimSpace(l.Event) == "" {
		return domain.IngestEvent{}, errors.New("missing event name")
	}
	if strings.TrimSpace(l.DistinctID) == "" {
		return domain.IngestEvent{}, errors.New("missing distinct_id")
	}

	eventUUID := uuid.New()
	if l.UUID != "" {
		parsed, err := uuid.Parse(l.UUID)
		if err != nil {
			return domain.IngestEvent{}, fmt.Errorf("invalid uuid %q", l.UUID)
		}
		eventUUID = parsed
	}

	ev := domain.IngestEvent{
		UUID:       eventUUID,
		Event:      l.Event,
		DistinctID: l.DistinctID,
		Token:      token,
		Now:        time.Now().UTC(),
		Properties: l.Properties,
	}
	if l.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, l.Timestamp)
		if err != nil {
			return domain.IngestEvent{}, fmt.Errorf("invalid timestamp %q", l.Timestamp)
		}
		ev.Timestamp = &ts
	}
	return ev, nil
}

func runReplayAsync(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one event uuid argument")
	}
	eventUUID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid event uuid %q", args[0])
	}

	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	ev, err := repository.NewEventRepository(pool, logger).EventByUUID(ctx, eventUUID)
	if err != nil {
		return err
	}

	buildPipeline(pool, logger, cfg).RunAsyncHandlersPipeline(ctx, ev)
	logger.Info("async handlers replayed", "event_uuid", eventUUID, "event", ev.Event, "team_id", ev.TeamID)
	return nil
}

func runDeadLetter(ctx context.Context, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("dead-letter", flag.ExitOnError)
	limit := flags.Int("limit", 20, "maximum messages to print")
	if err := flags.Parse(args); err != nil {
		return err
	}

	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	messages, err := repository.NewDeadLetterRepository(pool, logger).ListRecent(ctx, *limit)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	for _, msg := range messages {
		if err := encoder.Encode(msg); err != nil {
			return err
		}
	}
	logger.Info("dead letters listed", "count", len(messages))
	return nil
}

func openPool(ctx context.Context) (config.Config, *pgxpool.Pool, error) {
	cfg := config.Load()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("db connect failed: %w", err)
	}
	return cfg, pool, nil
}

func buildPipeline(pool *pgxpool.Pool, logger *slog.Logger, cfg config.Config) *pipeline.Pipeline {
	stats := metrics.Default()
	teamRepo := repository.NewTeamRepository(pool, logger)
	personRepo := repository.NewPersonRepository(pool, logger)

	runner := pipeline.NewRunner(pipeline.Deps{
		Steps: steps.New(steps.Deps{
			Teams:       repository.NewTeamCache(teamRepo, cfg.TeamCacheSize, cfg.TeamCacheTTL),
			Buffer:      repository.NewBufferRepository(pool, logger),
			Plugins:     plugins.NewRegistry(repository.NewPluginConfigRepository(pool, logger), logger),
			Persons:     person.NewResolver(personRepo, logger),
			PersonStore: personRepo,
			Events:      repository.NewEventRepository(pool, logger),
			Hooks:       hooks.NewDispatcher(logger, nil, cfg.WebhookTimeout),
			Stats:       stats,
			Logger:      logger,
			BufferDelay: cfg.BufferDelay,
		}),
		Stats:      stats,
		DeadLetter: repository.NewDeadLetterRepository(pool, logger),
		Logger:     logger,
		Boundary:   pipeline.ParseBoundary(cfg.DLQBoundary),
	})
	return pipeline.New(runner)
}

func redactDatabaseURL(raw string) string {
	if at := strings.LastIndex(raw, "@"); at != -1 {
		if scheme := strings.Index(raw, "://"); scheme != -1 {
			return raw[:scheme+3] + "***" + raw[at:]
		}
	}
	return raw
}

// ---------------- VALIDATE ----------------

func runValidate(ctx context.Context, logger *slog.Logger) error {
	started := time.Now()

	if err := runGofmtCheck(ctx, logger); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go vet", "go", "vet", "./..."); err != nil {
		return err
	}

	if err := runCommand(ctx, logger, "go test unit", "go", "test", "./..."); err != nil {
		return err
	}

	if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" {
		logger.Info("skipping integration tests", "reason", "DATABASE_URL is not set")
	} else {
		if err := runCommand(
			ctx,
			logger,
			"go test integration",
			"go",
			"test",
			"-count=1",
			"-tags=integration",
			"./internal/persistence/postgres",
			"./internal/repository",
			"./internal/worker",
		); err != nil {
			return err
		}
	}

	logger.Info("validation complete", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runGofmtCheck(ctx context.Context, logger *slog.Logger) error {
	files, err := listGoFiles(".")
	if err != nil {
		return fmt.Errorf("list go files: %w", err)
	}

	if len(files) == 0 {
		logger.Info("skipping gofmt check", "reason", "no go files found")
		return nil
	}

	logger.Info("running step", "step", "gofmt check", "files", len(files))
	started := time.Now()

	args := make([]string, 0, len(files)+1)
	args = append(args, "-l")
	args = append(args, files...)

	cmd := exec.CommandContext(ctx, "gofmt", args...)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("gofmt check failed: %w", err)
	}

	unformatted := strings.TrimSpace(string(out))
	if unformatted != "" {
		return fmt.Errorf("gofmt would change files:\n%s", unformatted)
	}

	logger.Info("step completed", "step", "gofmt check", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runCommand(ctx context.Context, logger *slog.Logger, step string, name string, args ...string) error {
	logger.Info("running step", "step", step, "command", strings.Join(append([]string{name}, args...), " "))
	started := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	duration := time.Since(started)
	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error("step failed", "step", step, "duration_ms", duration.Milliseconds(), "exit_code", exitCode)
		return err
	}

	logger.Info("step completed", "step", step, "duration_ms", duration.Milliseconds())
	return nil
}

func listGoFiles(root string) ([]string, error) {
	files := make([]string, 0, 64)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			name := d.Name()
			switch name {
			case ".git", ".cache", ".gocache", ".gomodcache", "vendor":
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(path) != ".go" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// ---------------- HELPERS ----------------

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

func printUsage(w *os.File) {
	_, _ = fmt.Fprintln(w, `usage: go run ./cmd/cli <command>

commands:
  migrate                   apply pending schema migrations
  create-team -name NAME    create a team and print its api token
  ingest -token TOKEN FILE  run a jsonl file of events through the pipeline
  replay-async EVENT_UUID   rerun async handlers for a stored event
  dead-letter [-limit N]    print recent dead letter messages as json lines
  validate                  gofmt, vet and tests`)
}
