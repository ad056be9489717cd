package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"storywriter/pkg/config"
	"storywriter/pkg/journal"
	"storywriter/pkg/metrics"
)

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List every indexed story",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStories(cmd.Context())
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize one story's indexed content",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSummary(cmd.Context())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store-wide statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStats(cmd.Context())
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Report provider usage for a story",
	Long: `Reports request and token totals for a story.

By default usage is read from the Prometheus server named in the config
(metrics.prometheus_url). With --local it is read from the run journal
under the savepoint root instead, broken down by pipeline stage.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runUsage(cmd.Context())
	},
}

func init() {
	usageCmd.Flags().BoolVar(&localUsageFlag, "local", false, "Read usage from the local run journal instead of Prometheus")
	usageCmd.Flags().StringVar(&prometheusURL, "prometheus-url", "", "Prometheus server to query (default: config metrics.prometheus_url)")
}

func runStories(ctx context.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	stories, err := s.store.ListStories(ctx)
	if err != nil {
		return err
	}
	if len(stories) == 0 {
		fmt.Println("No stories indexed yet.")
		return nil
	}

	fmt.Printf("%-4s  %-28s  %-10s  %-19s  %s\n", "ID", "STORY", "CHUNKS", "CREATED", "PROMPT FILE")
	for _, st := range stories {
		id := st.ID
		count, err := s.store.CountChunks(ctx, &id)
		if err != nil {
			return err
		}
		fmt.Printf("%-4d  %-28s  %-10d  %-19s  %s\n",
			st.ID, st.StoryName, count, st.CreatedAt.Format("2006-01-02 15:04:05"), st.PromptFileName)
	}
	return nil
}

func runSummary(ctx context.Context) error {
	if storyFlag == "" {
		return fmt.Errorf("--summary requires --story")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	story, err := resolveStory(ctx, s.store, storyFlag)
	if err != nil {
		return err
	}

	contents, err := s.store.GetStoryContent(ctx, story.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Story %d: %s\n", story.ID, story.StoryName)
	fmt.Printf("  Prompt file: %s\n", story.PromptFileName)
	fmt.Printf("  Created:     %s\n", story.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Chunks:      %d\n", len(contents))
	if len(contents) == 0 {
		return nil
	}

	type typeStat struct {
		count int
		bytes int
	}
	byType := make(map[string]*typeStat)
	for _, c := range contents {
		st := byType[c.ContentType]
		if st == nil {
			st = &typeStat{}
			byType[c.ContentType] = st
		}
		st.count++
		st.bytes += len(c.Content)
	}

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	fmt.Println("\n  Content by type:")
	for _, t := range types {
		st := byType[t]
		fmt.Printf("    %-22s %5d chunks  %8d bytes\n", t, st.count, st.bytes)
	}
	return nil
}

func runStats(ctx context.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	stories, err := s.store.ListStories(ctx)
	if err != nil {
		return err
	}
	total, err := s.store.CountChunks(ctx, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Vector store statistics\n")
	fmt.Printf("  Stories:     %d\n", len(stories))
	fmt.Printf("  Chunks:      %d\n", total)
	fmt.Printf("  Dimensions:  %d\n", s.store.Dimensions())

	if len(stories) > 0 {
		fmt.Println("\n  Chunks per story:")
		for _, st := range stories {
			id := st.ID
			count, err := s.store.CountChunks(ctx, &id)
			if err != nil {
				return err
			}
			fmt.Printf("    %-28s %6d\n", st.StoryName, count)
		}
	}

	history, err := s.store.MigrationHistory(ctx, 5)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		fmt.Println("\n  Recent embedding migrations:")
		for _, m := range history {
			fmt.Printf("    %s  %4d to %4d dims  %-11s %s\n",
				m.CreatedAt.Format("2006-01-02 15:04"), m.FromDimensions, m.ToDimensions, m.Status, m.NewModel)
		}
	}
	return nil
}

func runUsage(ctx context.Context) error {
	if storyFlag == "" {
		return fmt.Errorf("usage requires --story")
	}

	if localUsageFlag {
		return runLocalUsage(ctx)
	}
	return runPrometheusUsage(ctx)
}

// runLocalUsage reads the per-call ledger the pipeline keeps beside the
// savepoints, broken down by stage.
func runLocalUsage(ctx context.Context) error {
	if err := config.LoadConfig(configPath); err != nil {
		return err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	ledger, err := journal.Open(filepath.Join(cfg.Paths.SavepointRoot, "journal.db"))
	if err != nil {
		return fmt.Errorf("failed to open run journal: %w", err)
	}
	defer ledger.Close()

	usage, err := ledger.Usage(ctx, storyFlag, time.Time{})
	if err != nil {
		return err
	}
	if len(usage) == 0 {
		fmt.Printf("No recorded calls for story %q.\n", storyFlag)
		return nil
	}

	fmt.Printf("Provider usage for %q (local journal)\n\n", storyFlag)
	fmt.Printf("%-24s  %-30s  %6s  %6s  %10s  %10s  %10s\n",
		"STAGE", "MODEL", "CALLS", "ERRORS", "PROMPT", "COMPLETION", "DURATION")

	var calls, errors int
	var prompt, completion int64
	var duration time.Duration
	for _, u := range usage {
		fmt.Printf("%-24s  %-30s  %6d  %6d  %10d  %10d  %10s\n",
			u.Stage, u.Model, u.Calls, u.Errors, u.PromptTokens, u.CompletionTokens,
			u.TotalDuration.Round(time.Second))
		calls += u.Calls
		errors += u.Errors
		prompt += u.PromptTokens
		completion += u.CompletionTokens
		duration += u.TotalDuration
	}
	fmt.Printf("\nTotal: %d calls (%d errors), %d prompt / %d completion tokens, %s\n",
		calls, errors, prompt, completion, duration.Round(time.Second))

	runs, err := ledger.Runs(ctx, 5)
	if err == nil && len(runs) > 0 {
		fmt.Println("\nRecent runs:")
		for _, r := range runs {
			if r.Story != storyFlag {
				continue
			}
			finished := "running"
			if !r.FinishedAt.IsZero() {
				finished = r.FinishedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("  %s  %-9s  %4d calls  finished %s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Calls, finished)
		}
	}
	return nil
}

// runPrometheusUsage aggregates the llm_* series for the story.
func runPrometheusUsage(ctx context.Context) error {
	if err := config.LoadConfig(configPath); err != nil {
		return err
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	addr := prometheusURL
	if addr == "" {
		addr = cfg.Metrics.PrometheusURL
	}
	if addr == "" {
		return fmt.Errorf("no Prometheus server configured: set metrics.prometheus_url or pass --prometheus-url (or use --local)")
	}

	q, err := metrics.NewQueryService(addr)
	if err != nil {
		return err
	}

	total, err := q.GetStoryUsage(ctx, storyFlag)
	if err != nil {
		return err
	}

	fmt.Printf("Provider usage for %q (via %s)\n\n", storyFlag, addr)
	fmt.Printf("  Requests:          %d\n", total.Requests)
	fmt.Printf("  Prompt tokens:     %d\n", total.PromptTokens)
	fmt.Printf("  Completion tokens: %d\n", total.CompletionTokens)
	fmt.Printf("  Total tokens:      %d\n", total.TotalTokens)

	byModel, err := q.GetStoryUsageByModel(ctx, storyFlag)
	if err != nil {
		return err
	}
	if len(byModel) > 0 {
		models := make([]string, 0, len(byModel))
		for m := range byModel {
			models = append(models, m)
		}
		sort.Strings(models)

		fmt.Println("\n  By model:")
		for _, m := range models {
			u := byModel[m]
			fmt.Printf("    %-34s %10d prompt  %10d completion\n", m, u.PromptTokens, u.CompletionTokens)
		}
	}
	return nil
}
