package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var searchModule string

var searchCmd = &cobra.Command{
	Use:   "search <question>",
	Short: "Show the context the Specialist would use",
	Long: `Run retrieval, module ranking and context assembly without calling the
completion model, and print the selected excerpts.

Example:
  specialist search "interim analysis stopping rules" --module protocol`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVarP(&searchModule, "module", "m", "", "workflow module used for ranking")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	q, err := parseQuery(args, searchModule)
	if err != nil {
		return err
	}

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	specialist := p.Agent()
	result, err := specialist.Retrieve(ctx, q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d excerpts, %d/%d tokens, %d dropped\n", len(result.Chunks), result.TotalTokens, result.Budget, result.Dropped)
	for i, sc := range result.Chunks {
		ch := sc.Chunk
		fmt.Fprintf(out, "\n[%d] %.3f %s (%s) #%d\n", i+1, sc.Score, ch.Title, ch.SourceID, ch.SegmentIndex)
		fmt.Fprintln(out, preview(ch.Text, 300))
	}
	return nil
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > n {
		return string(r[:n]) + "..."
	}
	return text
}
