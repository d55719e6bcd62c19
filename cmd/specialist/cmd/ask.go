package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mfenderov/specialist/pkg/models"
)

var (
	askModule string
	askJSON   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the Specialist a question",
	Long: `Retrieve context from the index, ask the completion model and print the
answer followed by any suggested tasks.

Examples:
  specialist ask "When must the statistical analysis plan be finalized?" --module protocol
  specialist ask --json "What belongs in a CSR synopsis?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)

	askCmd.Flags().StringVarP(&askModule, "module", "m", "", "workflow module (protocol, csr_review, cmc, ind, document, general)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the response as JSON")
}

func parseQuery(args []string, module string) (models.QueryContext, error) {
	m, err := models.ParseModule(module)
	if err != nil {
		return models.QueryContext{}, err
	}
	return models.QueryContext{Question: strings.Join(args, " "), Module: m}, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	q, err := parseQuery(args, askModule)
	if err != nil {
		return err
	}

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	specialist := p.Agent()
	resp, err := specialist.Ask(ctx, q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Fprintln(out, resp.Answer)
	if len(resp.Tasks) > 0 {
		fmt.Fprintf(out, "\nSuggested tasks:\n")
		for i, t := range resp.Tasks {
			fmt.Fprintf(out, "  %d. [%s] %s\n", i+1, t.Module, t.Title)
			if t.Description != "" {
				fmt.Fprintf(out, "     %s\n", t.Description)
			}
		}
	}
	return nil
}
