// Command storywriter runs the full generation pipeline for one story:
// outline, chapters, recaps, and the assembled story.md artifact. All model
// output is savepointed, so rerunning the same prompt resumes instead of
// regenerating.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"storywriter/pkg/config"
	"storywriter/pkg/logx"
	"storywriter/pkg/pipeline"
	"storywriter/pkg/version"
)

func main() {
	var (
		configPath    = flag.String("config", "config.yaml", "Path to config file")
		savepointRoot = flag.String("savepoint-root", "", "Override the savepoint root directory")
		chapters      = flag.Int("chapters", 0, "Override the number of chapters to generate")
		seed          = flag.Int("seed", 0, "Fixed generation seed (overrides config)")
		debug         = flag.Bool("debug", false, "Enable debug logging")
		metricsAddr   = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("storywriter %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: expected exactly one prompt file argument\n\n")
		printUsage()
		os.Exit(1)
	}

	if *debug {
		logx.SetDebugConfig(true, false, "")
	}

	var seedOverride *int
	seedSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			seedSet = true
		}
	})
	if seedSet {
		seedOverride = seed
	}

	os.Exit(run(*configPath, flag.Arg(0), pipeline.Options{
		SavepointRoot: *savepointRoot,
		Chapters:      *chapters,
		Seed:          seedOverride,
		Debug:         *debug,
		MetricsAddr:   *metricsAddr,
	}))
}

// run holds the real logic so defers execute before the exit code is
// returned to main.
func run(configPath, promptPath string, opts pipeline.Options) int {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts.PromptPath = promptPath
	runner := pipeline.New(cfg, opts)
	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "Run canceled; savepoints preserved for resume")
			return 1
		}
		fmt.Fprintf(os.Stderr, "Generation failed: %v\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "storywriter - Savepoint-driven story generation pipeline\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s [flags] <prompt-file>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "The prompt file's name (without extension) becomes the story name;\n")
	fmt.Fprintf(os.Stderr, "all state lives under <savepoint-root>/<story-name>/.\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s prompts-in/the-sea-keeper.txt\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s -config prod.yaml -chapters 12 -seed 42 the-sea-keeper.txt\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s -debug -metrics-addr :9090 the-sea-keeper.txt\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}
