// Command lamb runs the completion gateway and knowledge-base service.
//
// Usage:
//
//	lamb serve
//	lamb kb list
//	lamb kb upload 3 notes.pdf --plugin simple_ingest
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lamb-project/lamb/pkg/analytics"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/connectors"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/kb"
	"github.com/lamb-project/lamb/pkg/kb/vector"
	"github.com/lamb-project/lamb/pkg/logger"
	"github.com/lamb-project/lamb/pkg/owi"
	"github.com/lamb-project/lamb/pkg/server"
	"github.com/lamb-project/lamb/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the gateway."`
	KB      KBCmd      `cmd:"" name:"kb" help:"Manage knowledge-base collections over the HTTP API."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("lamb version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP gateway.
type ServeCmd struct {
	Address string `help:"Listen address (overrides HTTP_ADDRESS)."`
}

func (c *ServeCmd) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := config.Load()
	if err != nil {
		return err
	}
	if c.Address != "" {
		settings.HTTPAddress = c.Address
	}

	store, err := database.Open(settings.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if settings.OWIDatabasePath != "" {
		if err := store.AttachExternalChats(settings.OWIDatabasePath); err != nil {
			return err
		}
	}

	store.StartMaintenance(ctx, database.MaintenanceConfig{
		Enabled:            settings.DBMaintenanceEnabled,
		CheckpointInterval: settings.DBCheckpointInterval,
	})

	pool := httpclient.NewPool(
		httpclient.WithPoolMaxConns(settings.LLMMaxConnections),
		httpclient.WithPoolTimeout(settings.CompletionTimeout),
	)

	vectors, err := vector.New(settings, pool)
	if err != nil {
		return err
	}
	defer vectors.Close()

	kbService, err := kb.NewService(settings, store, vectors, pool)
	if err != nil {
		return err
	}

	toolRegistry := tools.NewRegistry()
	if err := toolRegistry.RegisterTool(tools.NewWeatherTool(""), "utility"); err != nil {
		return err
	}
	moodle := tools.MoodleConfig{
		BaseURL: os.Getenv("MOODLE_BASE_URL"),
		Token:   os.Getenv("MOODLE_TOKEN"),
	}
	if moodle.BaseURL != "" {
		if err := toolRegistry.RegisterTool(tools.NewMoodleCoursesTool(moodle), "lms"); err != nil {
			return err
		}
		if err := toolRegistry.RegisterTool(tools.NewMoodleAssignmentsTool(moodle), "lms"); err != nil {
			return err
		}
	}

	resolver := config.NewResolver(store, settings)
	connectorRegistry, err := connectors.DefaultRegistry(settings, resolver, pool, toolRegistry)
	if err != nil {
		return err
	}

	executor := assistant.NewExecutor(store, connectorRegistry, toolRegistry, kbService)

	// Group sync is best effort and stays inert without a directory
	// endpoint; share rows are still maintained.
	var directory owi.GroupSyncer
	if settings.OWIBaseURL != "" {
		client, err := owi.NewClient(owi.Config{
			BaseURL: settings.OWIBaseURL,
			APIKey:  settings.OWIAPIKey,
		})
		if err != nil {
			return err
		}
		directory = client
	}
	sharing := assistant.NewSharingService(store, directory)

	srv := server.New(settings, store, executor, kbService, analytics.NewService(store), sharing)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.GetLogger("main").Error("shutdown failed", "error", err)
		}
		cancel()
	}()

	return srv.Start()
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("lamb"),
		kong.Description("Learning-assistant completion gateway and knowledge-base service."),
		kong.UsageOnError(),
	)

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, output, cli.LogFormat)

	kctx.FatalIfErrorf(kctx.Run(&cli))
}
