package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfenderov/specialist/pkg/models"
)

var ledgerOrigin string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or edit the processed ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed sources",
	Args:  cobra.NoArgs,
	RunE:  runLedgerList,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <source_id>",
	Short: "Show a source's record and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerForgetCmd = &cobra.Command{
	Use:   "forget <source_id>",
	Short: "Remove a source's chunks and record",
	Long: `Remove a source's chunks from the vector store and drop its ledger record.
If the source is still listed by its origin it is ingested again on the next tick.

Example:
  specialist ledger forget csr:study-001/report.md`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerForget,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd, ledgerShowCmd, ledgerForgetCmd)

	ledgerListCmd.Flags().StringVar(&ledgerOrigin, "origin", "", "only list this origin (guideline or csr)")
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	origin := models.Origin(ledgerOrigin)
	if origin != "" && !origin.Valid() {
		return fmt.Errorf("unknown origin %q", ledgerOrigin)
	}

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	records, err := p.Ledger().List(ctx, origin)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tORIGIN\tFINGERPRINT\tCHUNKS\tPROCESSED\tPENDING")
	for _, rec := range records {
		processed := "-"
		if !rec.ProcessedAt.IsZero() {
			processed = rec.ProcessedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
			rec.SourceID, rec.Origin, models.ShortFingerprint(rec.Fingerprint),
			len(rec.ChunkIDs), processed, len(rec.PendingChunkIDs))
	}
	return w.Flush()
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	sourceID := args[0]
	rec, err := p.Ledger().Get(ctx, sourceID)
	if err != nil {
		return err
	}
	history, err := p.Ledger().History(ctx, sourceID)
	if err != nil {
		return err
	}
	if rec == nil && len(history) == 0 {
		return fmt.Errorf("no record for %s", sourceID)
	}

	out := cmd.OutOrStdout()
	if rec != nil {
		fmt.Fprintf(out, "Source: %s\n", rec.SourceID)
		fmt.Fprintf(out, "  Origin: %s\n", rec.Origin)
		fmt.Fprintf(out, "  Fingerprint: %s\n", rec.Fingerprint)
		fmt.Fprintf(out, "  Chunks: %d\n", len(rec.ChunkIDs))
		if len(rec.PendingChunkIDs) > 0 {
			fmt.Fprintf(out, "  Pending: %d (an ingestion was interrupted)\n", len(rec.PendingChunkIDs))
		}
	} else {
		fmt.Fprintf(out, "Source: %s (forgotten)\n", sourceID)
	}

	fmt.Fprintf(out, "\nHistory:\n")
	for _, e := range history {
		fmt.Fprintf(out, "  %s  %-9s %d chunks %s\n",
			e.At.Format(time.RFC3339), e.Type, e.ChunkCount, models.ShortFingerprint(e.Fingerprint))
	}
	return nil
}

func runLedgerForget(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Forget(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
	return nil
}
