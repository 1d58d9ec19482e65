package main

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/rectfit/internal/store"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	checkpointDataDir string
	keepLast          int
	olderThanDays     int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage fitting checkpoints",
	Long: `List or prune the checkpoints below --data-dir. Every job keeps one
checkpoint holding its accepted rectangles, which "resume" replays.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	RunE:  runListCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old checkpoints",
	Long: `Deletes checkpoints older than --older-than days and all but the newest
--keep-last jobs. Both limits may be combined.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd, cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "./data", "Base directory for checkpoint storage")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N jobs (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return listCheckpoints(cmd.OutOrStdout(), st)
}

// listCheckpoints prints one row per job, newest first.
func listCheckpoints(w io.Writer, st *store.FSStore) error {
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No checkpoints found.")
		return nil
	}

	byAge(infos)
	slices.Reverse(infos)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSAVED\tROUNDS\tACCEPTED\tRMSE\tSIZE")
	for _, info := range infos {
		size := "unknown"
		if n, err := dirSize(st.JobDir(info.JobID)); err == nil {
			size = formatBytes(n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%.4f\t%s\n",
			shortID(info.JobID),
			info.Timestamp.Format(timeLayout),
			info.Iteration, info.Shapes,
			info.Accepted,
			info.BestCost,
			size,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d checkpoint(s)\n", len(infos))
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast <= 0 && olderThanDays <= 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, err := store.NewFSStore(checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	var in io.Reader
	if !forceClean {
		in = cmd.InOrStdin()
	}
	return cleanCheckpoints(cmd.OutOrStdout(), in, st, retention{keepLast: keepLast, olderThan: olderThanDays, now: time.Now()})
}

// cleanCheckpoints deletes what policy selects. A nil confirm reader
// skips the prompt.
func cleanCheckpoints(w io.Writer, confirm io.Reader, st *store.FSStore, policy retention) error {
	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	doomed := policy.selectForDeletion(infos)
	if len(doomed) == 0 {
		fmt.Fprintln(w, "No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Fprintf(w, "Found %d checkpoint(s) to delete:\n", len(doomed))
	for _, info := range doomed {
		fmt.Fprintf(w, "  - %s (round %d, %s)\n", shortID(info.JobID), info.Iteration, info.Timestamp.Format(timeLayout))
	}

	if confirm != nil {
		fmt.Fprint(w, "\nProceed with deletion? [y/N]: ")
		answer, _ := bufio.NewReader(confirm).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	var failed int
	for _, info := range doomed {
		if err := st.DeleteCheckpoint(info.JobID); err != nil {
			slog.Error("Failed to delete checkpoint", "job_id", info.JobID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "job_id", info.JobID)
	}

	fmt.Fprintf(w, "\nDeleted %d checkpoint(s), %d failed.\n", len(doomed)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d checkpoint(s) could not be deleted", failed)
	}
	return nil
}

// retention selects checkpoints for deletion. Zero limits are disabled.
type retention struct {
	keepLast  int
	olderThan int // days
	now       time.Time
}

// selectForDeletion returns the union of the age and count limits, oldest first.
func (r retention) selectForDeletion(infos []store.CheckpointInfo) []store.CheckpointInfo {
	sorted := slices.Clone(infos)
	byAge(sorted)

	cutoff := r.now.AddDate(0, 0, -r.olderThan)
	excess := 0
	if r.keepLast > 0 && len(sorted) > r.keepLast {
		excess = len(sorted) - r.keepLast
	}

	var doomed []store.CheckpointInfo
	for i, info := range sorted {
		tooOld := r.olderThan > 0 && info.Timestamp.Before(cutoff)
		if tooOld || i < excess {
			doomed = append(doomed, info)
		}
	}
	return doomed
}

// byAge sorts oldest first.
func byAge(infos []store.CheckpointInfo) {
	slices.SortStableFunc(infos, func(a, b store.CheckpointInfo) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
