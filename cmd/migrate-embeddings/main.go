// Command migrate-embeddings re-embeds every stored chunk with a new
// embedding model and swaps the rebuilt table into place. The old table
// survives as a backup until cleanup, and migration_status records every
// attempt, so an interrupted run can be diagnosed and retried.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"storywriter/pkg/config"
	"storywriter/pkg/embedding"
	"storywriter/pkg/vectordb"
	"storywriter/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to config file")
		newModel    = flag.String("new-model", "", "New embedding model reference (e.g. ollama://nomic-embed-text)")
		dryRun      = flag.Bool("dry-run", false, "Plan and print; change nothing")
		skipCleanup = flag.Bool("skip-cleanup", false, "Keep the backup table after a successful swap")
		yes         = flag.Bool("yes", false, "Skip the confirmation prompt")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("migrate-embeddings %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	if *newModel == "" {
		fmt.Fprintf(os.Stderr, "Error: --new-model is required\n\n")
		printUsage()
		os.Exit(1)
	}

	os.Exit(run(*configPath, *newModel, *dryRun, *skipCleanup, *yes))
}

func run(configPath, newModel string, dryRun, skipCleanup, yes bool) int {
	if _, err := config.ParseModelRef(newModel); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --new-model: %v\n", err)
		return 1
	}

	if err := config.LoadConfig(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := config.LoadSecretsFile(filepath.Dir(configPath), ""); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if cfg.VectorStore.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "No vector store configured: set vector_store.database_url or STORYWRITER_DB_URL")
		return 1
	}

	// The provider is built for the NEW model; the live table keeps its
	// current width until the swap.
	cfg.Models[config.RoleEmbedding] = newModel
	provider, err := embedding.ForConfig(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build embedding provider: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := vectordb.Open(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open vector store: %v\n", err)
		return 1
	}
	defer store.Close()

	plan, err := store.PlanMigration(ctx, provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to plan migration: %v\n", err)
		return 1
	}

	if !plan.Needed {
		fmt.Printf("No migration needed: embeddings already %d-dimensional.\n", plan.FromDimensions)
		return 0
	}

	fmt.Printf("Migration plan:\n")
	fmt.Printf("  Chunks:      %d\n", plan.ChunkCount)
	fmt.Printf("  Dimensions:  %d to %d\n", plan.FromDimensions, plan.ToDimensions)
	fmt.Printf("  New model:   %s\n", plan.NewModel)

	if dryRun {
		fmt.Println("\nDry run: no changes made.")
		return 0
	}

	if !yes && !confirm(fmt.Sprintf("Re-embed %d chunks and swap the table?", plan.ChunkCount)) {
		fmt.Println("Migration canceled.")
		return 0
	}

	opts := vectordb.MigrationOptions{
		SkipCleanup: skipCleanup,
	}
	if yes {
		opts.Confirm = func(string) bool { return true }
	} else if term.IsTerminal(int(os.Stdin.Fd())) {
		opts.Confirm = confirm
	}
	// Otherwise Confirm stays nil and any re-embedding failure aborts.

	if _, err := store.Migrate(ctx, provider, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "The original table is untouched or preserved as backup; see migration_status for details.")
		return 1
	}
	return 0
}

// confirm asks a y/N question on the terminal.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "migrate-embeddings - Re-embed the vector store with a new model\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s --new-model <scheme://name> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s --new-model ollama://nomic-embed-text --dry-run\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --new-model langchain://openai/text-embedding-3-small --yes\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --new-model ollama://mxbai-embed-large --skip-cleanup\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}
