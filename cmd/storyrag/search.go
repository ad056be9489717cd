package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"storywriter/pkg/rag"
	"storywriter/pkg/rerank"
)

// thresholdExplicit is set when the interactive shell overrides the
// threshold, since flag change tracking only covers the command line.
var thresholdExplicit bool

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a similarity search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(cmd.Context(), args[0], rerankFlag)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a reranked retrieval and print the full chunks",
	Long: `query retrieves and reranks the chunks most relevant to the text and
prints their full contents: the same view a generation prompt would get.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), args[0])
	},
}

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Interactive search shell",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runInteractive(cmd.Context())
	},
}

func runSearch(ctx context.Context, query string, rerankResults bool) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return searchOnce(ctx, s, query, rerankResults)
}

// searchOnce runs one search against an open session so the interactive
// shell can reuse the connection across queries.
func searchOnce(ctx context.Context, s *session, query string, rerankResults bool) error {
	svc, err := s.ragService(ctx)
	if err != nil {
		return err
	}
	opts, err := searchOptions(ctx, s)
	if err != nil {
		return err
	}

	if rerankResults {
		rt, err := rag.ParseRerankType(rerankTypeFlag)
		if err != nil {
			return err
		}
		strategy, err := rerank.ParseStrategy(strategyFlag)
		if err != nil {
			return err
		}
		results, err := svc.SearchReranked(ctx, query, opts, rt, strategy)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results.")
			return nil
		}
		fmt.Printf("%d results (reranked %s/%s):\n\n", len(results), rt, strategy)
		for i, r := range results {
			fmt.Printf("%2d. [%.3f <- %.3f] %-18s #%d\n", i+1, r.Score, r.OriginalSimilarity, r.ContentType, r.ChunkID)
			if r.Reason != "" {
				fmt.Printf("    reason: %s\n", r.Reason)
			}
			fmt.Printf("    %s\n", preview(r.Content, 120))
		}
		return nil
	}

	hits, err := svc.Search(ctx, query, opts)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No results.")
		return nil
	}
	fmt.Printf("%d results:\n\n", len(hits))
	for i, h := range hits {
		scope := ""
		if h.StoryName != "" {
			scope = " (" + h.StoryName + ")"
		}
		fmt.Printf("%2d. [%.3f] %-18s #%d%s\n", i+1, h.Similarity, h.ContentType, h.ID, scope)
		fmt.Printf("    %s\n", preview(h.Content, 120))
	}
	return nil
}

// runQuery prints the full text of the reranked hits: the context view a
// generation prompt would receive.
func runQuery(ctx context.Context, text string) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	svc, err := s.ragService(ctx)
	if err != nil {
		return err
	}
	opts, err := searchOptions(ctx, s)
	if err != nil {
		return err
	}
	rt, err := rag.ParseRerankType(rerankTypeFlag)
	if err != nil {
		return err
	}
	strategy, err := rerank.ParseStrategy(strategyFlag)
	if err != nil {
		return err
	}

	results, err := svc.SearchReranked(ctx, text, opts, rt, strategy)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No relevant chunks found.")
		return nil
	}

	fmt.Printf("Retrieved %d chunks for %q:\n", len(results), text)
	for i, r := range results {
		fmt.Printf("\n--- [%d] %s #%d (score %.3f, similarity %.3f) ---\n",
			i+1, r.ContentType, r.ChunkID, r.Score, r.OriginalSimilarity)
		fmt.Println(strings.TrimSpace(r.Content))
	}
	return nil
}

func runInteractive(ctx context.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Println("storyrag interactive shell. Type a query to search, :help for commands.")
	printShellState()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print("rag> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ":") {
			if done := shellCommand(line); done {
				return nil
			}
			continue
		}

		if err := searchOnce(ctx, s, line, rerankFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// shellCommand applies one :command. Returns true when the shell should
// exit.
func shellCommand(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}

	switch cmd {
	case ":quit", ":exit", ":q":
		return true
	case ":help", ":h":
		fmt.Println(`Commands:
  :story <id|name>   scope searches to one story ("" for all stories)
  :limit <n>         maximum results
  :threshold <f>     minimum similarity (0 disables the default cutoff)
  :type <t>          restrict to a content type ("" clears)
  :rerank on|off     toggle reranking
  :rerank-type <t>   rule_based or model_based
  :strategy <s>      hybrid, keyword, metadata, semantic, cross_encoder
  :state             show current settings
  :quit              leave the shell`)
	case ":story":
		storyFlag = arg
		printShellState()
	case ":limit":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			fmt.Fprintln(os.Stderr, "usage: :limit <positive integer>")
			break
		}
		limitFlag = n
		printShellState()
	case ":threshold":
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil || f < 0 || f > 1 {
			fmt.Fprintln(os.Stderr, "usage: :threshold <0..1>")
			break
		}
		thresholdFlag = f
		thresholdExplicit = true
		printShellState()
	case ":type":
		contentTypeFlag = arg
		printShellState()
	case ":rerank":
		switch arg {
		case "on":
			rerankFlag = true
		case "off":
			rerankFlag = false
		default:
			fmt.Fprintln(os.Stderr, "usage: :rerank on|off")
			return false
		}
		printShellState()
	case ":rerank-type":
		if _, err := rag.ParseRerankType(arg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			break
		}
		rerankTypeFlag = arg
		printShellState()
	case ":strategy":
		if _, err := rerank.ParseStrategy(arg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			break
		}
		strategyFlag = arg
		printShellState()
	case ":state":
		printShellState()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (:help for commands)\n", cmd)
	}
	return false
}

func printShellState() {
	story := storyFlag
	if story == "" {
		story = "(all)"
	}
	ctype := contentTypeFlag
	if ctype == "" {
		ctype = "(any)"
	}
	rerankState := "off"
	if rerankFlag {
		rerankState = fmt.Sprintf("on (%s/%s)", rerankTypeFlag, strategyFlag)
	}
	fmt.Printf("story=%s  limit=%d  threshold=%.2f  type=%s  rerank=%s\n",
		story, limitFlag, thresholdFlag, ctype, rerankState)
}

// preview collapses a chunk to a single trimmed line.
func preview(text string, max int) string {
	line := strings.Join(strings.Fields(text), " ")
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}
