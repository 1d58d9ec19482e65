package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/rectfit/internal/store"
	"github.com/spf13/cobra"
)

var (
	traceDataDir string
	traceJSON    bool
)

var traceCmd = &cobra.Command{
	Use:   "trace <job-id>",
	Short: "Summarize a job's per-round trace",
	Long: `Reads trace.jsonl of a job and prints the acceptance rate and
the distribution of RMSE gains over accepted rounds.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().StringVar(&traceDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	traceCmd.Flags().BoolVar(&traceJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	sum, err := summarizeTrace(traceDataDir, args[0])
	if err != nil {
		return err
	}
	return printSummary(os.Stdout, args[0], sum, traceJSON)
}

// summarizeTrace reads the trace of jobID. The starting cost comes from the
// checkpoint when there is one, otherwise from the first traced round.
func summarizeTrace(dataDir, jobID string) (store.TraceSummary, error) {
	reader, err := store.NewTraceReader(dataDir, jobID)
	if err != nil {
		return store.TraceSummary{}, fmt.Errorf("failed to open trace: %w", err)
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return store.TraceSummary{}, err
	}

	var initial float64
	if len(entries) > 0 {
		initial = entries[0].Cost
	}
	if st, err := store.NewFSStore(dataDir); err == nil {
		if cp, err := st.LoadCheckpoint(jobID); err == nil {
			initial = cp.InitialCost
		}
	}

	return store.Summarize(initial, entries), nil
}

func printSummary(w io.Writer, jobID string, sum store.TraceSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Fprintf(w, "Job: %s\n", jobID)
	fmt.Fprintf(w, "  Rounds:   %d (%d accepted, %.1f%%)\n", sum.Rounds, sum.Accepted, sum.AcceptRate*100)
	fmt.Fprintf(w, "  Cost:     %.4f -> %.4f\n", sum.FirstCost, sum.FinalCost)
	fmt.Fprintf(w, "  Gain:     mean %.4f, std %.4f, max %.4f\n", sum.MeanGain, sum.StdGain, sum.MaxGain)
	return nil
}
