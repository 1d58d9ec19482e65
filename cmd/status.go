package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cwbudde/rectfit/internal/server"
	"github.com/cwbudde/rectfit/internal/store"
	"github.com/spf13/cobra"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show jobs of a running server",
	Long: `Without arguments, lists every job known to the server.
With a job ID, prints that job's configuration and progress.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the response of GET /api/v1/jobs/{id}/status
type jobStatus struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	Config      store.JobConfig `json:"config"`
	BestCost    float64         `json:"bestCost"`
	InitialCost float64         `json:"initialCost"`
	Iterations  int             `json:"iterations"`
	Accepted    int             `json:"accepted"`
	Elapsed     float64         `json:"elapsed"` // seconds
	RPS         float64         `json:"rps"`
	Error       string          `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), client, serverURL)
	}
	return showJob(cmd.OutOrStdout(), client, serverURL, args[0])
}

func getJSON(client *http.Client, endpoint string, v any) error {
	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.code, e.body)
}

func listJobs(w io.Writer, client *http.Client, base string) error {
	var jobs []server.Job
	if err := getJSON(client, base+"/api/v1/jobs", &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  Optimizer: %s\n", job.Config.Optimizer)
		fmt.Fprintf(w, "  Rounds: %d / %d (%d accepted)\n", job.Iterations, job.Config.Shapes, len(job.Shapes))
		if job.InitialCost > 0 {
			fmt.Fprintf(w, "  RMSE: %.4f -> %.4f\n", job.InitialCost, job.BestCost)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func showJob(w io.Writer, client *http.Client, base, jobID string) error {
	var st jobStatus
	err := getJSON(client, base+"/api/v1/jobs/"+url.PathEscape(jobID)+"/status", &st)
	if se, ok := err.(*statusError); ok && se.code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	c := st.Config
	fmt.Fprintf(w, "Job: %s\n", st.ID)
	fmt.Fprintf(w, "State: %s\n\n", st.State)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Reference: %s\n", c.RefPath)
	fmt.Fprintf(w, "  Optimizer: %s\n", c.Optimizer)
	fmt.Fprintf(w, "  Shapes: %d, alpha %.2f\n", c.Shapes, c.Alpha)
	fmt.Fprintf(w, "  Search rounds: %d (epsilon %g, %s)\n\n", c.Rounds, c.Epsilon, c.Policy)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Rounds: %d (%d accepted)\n", st.Iterations, st.Accepted)
	if st.InitialCost > 0 {
		gain := st.InitialCost - st.BestCost
		fmt.Fprintf(w, "  RMSE: %.4f -> %.4f (-%.1f%%)\n", st.InitialCost, st.BestCost, gain/st.InitialCost*100)
	}
	fmt.Fprintf(w, "  Elapsed: %s\n", time.Duration(st.Elapsed*float64(time.Second)).Round(time.Millisecond))
	if st.RPS > 0 {
		fmt.Fprintf(w, "  Throughput: %.1f rounds/sec\n", st.RPS)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", st.Error)
	}
	return nil
}
