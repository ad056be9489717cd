// Command storyrag inspects and queries the vector store behind generated
// stories: list stories, summarize indexed content, run similarity searches
// with optional reranking, and report provider usage. Every operation is
// read-only; indexing happens only inside the generation pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"storywriter/pkg/config"
	"storywriter/pkg/embedding"
	"storywriter/pkg/llm/factory"
	"storywriter/pkg/rag"
	"storywriter/pkg/rerank"
	"storywriter/pkg/vectordb"
	"storywriter/pkg/version"
)

// Flag values shared across the root command and subcommands.
var (
	configPath string

	// Mode flags: the root command dispatches on these so invocations like
	// `storyrag --list-stories` and `storyrag --search "query"` work without
	// a subcommand.
	listStoriesFlag bool
	summaryFlag     bool
	statsFlag       bool
	searchQuery     string
	queryText       string
	interactiveFlag bool

	storyFlag       string
	limitFlag       int
	thresholdFlag   float64
	contentTypeFlag string
	rerankFlag      bool
	rerankTypeFlag  string
	strategyFlag    string

	localUsageFlag bool
	prometheusURL  string
)

// rootCmd is assigned in init rather than in its declaration: the RunE
// closure reaches searchOptions, which reads rootCmd's flags, and a direct
// initializer would form an initialization cycle.
var rootCmd *cobra.Command

func initRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storyrag",
		Short: "Query the story vector store",
		Long: `storyrag inspects the pgvector store that backs story generation.

It lists indexed stories, summarizes their content, runs similarity
searches (optionally reranked), and reports provider usage per story.

Examples:
  storyrag --list-stories
  storyrag --summary --story the-sea-keeper
  storyrag --search "lighthouse storm" --story 3 --limit 5
  storyrag --query "what does Mira fear?" --rerank-type model_based
  storyrag usage --story the-sea-keeper --local
  storyrag --interactive`,
		SilenceUsage: true,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.Commit, version.Date),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			switch {
			case listStoriesFlag:
				return runStories(ctx)
			case summaryFlag:
				return runSummary(ctx)
			case statsFlag:
				return runStats(ctx)
			case searchQuery != "":
				return runSearch(ctx, searchQuery, rerankFlag)
			case queryText != "":
				return runQuery(ctx, queryText)
			case interactiveFlag:
				return runInteractive(ctx)
			default:
				return cmd.Help()
			}
		},
	}
}

func init() {
	rootCmd = initRootCmd()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "config.yaml", "Path to config file")
	pf.StringVar(&storyFlag, "story", "", "Story id or name to scope the operation to")
	pf.IntVar(&limitFlag, "limit", 10, "Maximum results to return")
	pf.Float64Var(&thresholdFlag, "threshold", 0.7, "Minimum cosine similarity")
	pf.StringVar(&contentTypeFlag, "content-type", "", "Restrict to one content type (outline, chapter, character_chunk, ...)")
	pf.StringVar(&rerankTypeFlag, "rerank-type", "rule_based", "Reranker: rule_based or model_based")
	pf.StringVar(&strategyFlag, "rerank-strategy", "hybrid", "Strategy: hybrid, keyword, metadata, semantic, cross_encoder")
	pf.BoolVar(&rerankFlag, "rerank", false, "Rerank search results")

	f := rootCmd.Flags()
	f.BoolVar(&listStoriesFlag, "list-stories", false, "List every indexed story")
	f.BoolVar(&summaryFlag, "summary", false, "Summarize one story's indexed content (needs --story)")
	f.BoolVar(&statsFlag, "stats", false, "Show store-wide statistics")
	f.StringVar(&searchQuery, "search", "", "Run a similarity search for this query")
	f.StringVar(&queryText, "query", "", "Run a reranked retrieval and print full chunks")
	f.BoolVar(&interactiveFlag, "interactive", false, "Start the interactive search shell")

	rootCmd.AddCommand(storiesCmd, summaryCmd, statsCmd, searchCmd, queryCmd, usageCmd, interactiveCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session bundles the handles a command needs. The vector store is always
// opened; the RAG service (embedder plus rerankers) is built only for the
// search family since it needs a live embedding endpoint.
type session struct {
	cfg   config.Config
	store *vectordb.Store
	svc   *rag.Service
}

func openSession(ctx context.Context) (*session, error) {
	if err := config.LoadConfig(configPath); err != nil {
		return nil, err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	if cfg.VectorStore.DatabaseURL == "" {
		return nil, fmt.Errorf("no vector store configured: set vector_store.database_url or STORYWRITER_DB_URL")
	}

	store, err := vectordb.Open(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return &session{cfg: cfg, store: store}, nil
}

func (s *session) close() {
	s.store.Close()
}

// ragService builds the search stack on first use.
func (s *session) ragService(ctx context.Context) (*rag.Service, error) {
	if s.svc != nil {
		return s.svc, nil
	}

	embedder, err := embedding.ForConfig(&s.cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	if _, err := embedding.ProbeDimensions(ctx, embedder); err != nil {
		return nil, fmt.Errorf("embedding endpoint unreachable: %w", err)
	}

	rules := rerank.NewRuleBased(s.cfg.RAG.RerankWeights)
	cross := rerank.NewCrossEncoder(func() (rerank.Scorer, error) {
		provider, buildErr := factory.ForRole(&s.cfg, config.RoleCrossEncoder)
		if buildErr != nil {
			return nil, buildErr
		}
		return provider, nil
	}, 2)

	s.svc = rag.New(s.store, embedder, rules, cross, nil, rag.Config{
		ChunkSize:       s.cfg.RAG.ChunkSize,
		ChunkOverlap:    s.cfg.RAG.ChunkOverlap,
		SearchLimit:     s.cfg.RAG.SearchLimit,
		SearchThreshold: s.cfg.RAG.SearchThreshold,
	})
	return s.svc, nil
}

// resolveStory accepts either a numeric story id or a story name.
func resolveStory(ctx context.Context, store *vectordb.Store, raw string) (*vectordb.Story, error) {
	if id, err := strconv.Atoi(raw); err == nil {
		stories, err := store.ListStories(ctx)
		if err != nil {
			return nil, err
		}
		for i := range stories {
			if stories[i].ID == id {
				return &stories[i], nil
			}
		}
		return nil, fmt.Errorf("no story with id %d", id)
	}

	story, found, err := store.GetStory(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no story named %q", raw)
	}
	return story, nil
}

// searchOptions translates the shared flags into rag search options, scoping
// to --story when given. thresholdSet reports whether --threshold was passed
// explicitly so a zero threshold can disable the configured default.
func searchOptions(ctx context.Context, s *session) (rag.SearchOptions, error) {
	opts := rag.SearchOptions{
		ContentType:  contentTypeFlag,
		Limit:        limitFlag,
		Threshold:    thresholdFlag,
		ThresholdSet: rootCmd.PersistentFlags().Changed("threshold") || thresholdExplicit,
		AllStories:   true,
	}
	if storyFlag == "" {
		return opts, nil
	}

	story, err := resolveStory(ctx, s.store, storyFlag)
	if err != nil {
		return opts, err
	}
	svc, err := s.ragService(ctx)
	if err != nil {
		return opts, err
	}
	svc.UseStory(story.ID, story.StoryName)
	opts.AllStories = false
	return opts, nil
}
