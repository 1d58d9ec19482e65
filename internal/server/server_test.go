package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/rectfit/internal/store"
)

func newTestServer(t *testing.T, st store.Store) (*Server, *httptest.Server) {
	t.Helper()

	s := NewServer("localhost:0", st)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Shutdown(context.Background())
	})
	return s, srv
}

func postJob(t *testing.T, url string, config JobConfig) (*http.Response, Job) {
	t.Helper()

	body, _ := json.Marshal(config.WithDefaults())
	resp, err := http.Post(url+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	defer resp.Body.Close()

	var job Job
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp, job
}

// waitForState polls the status endpoint until the job reaches a terminal state
func waitForState(t *testing.T, url, jobID string) map[string]interface{} {
	t.Helper()

	for i := 0; i < 100; i++ {
		resp, err := http.Get(url + "/api/v1/jobs/" + jobID + "/status")
		if err != nil {
			t.Fatalf("Failed to get status: %v", err)
		}

		var status map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()

		switch JobState(fmt.Sprint(status["state"])) {
		case StateCompleted, StateFailed, StateCancelled:
			return status
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatal("Job did not finish in time")
	return nil
}

func TestServer_CreateJob(t *testing.T) {
	tmpDir := t.TempDir()
	imgPath := filepath.Join(tmpDir, "test.png")
	createTestImage(t, imgPath)

	s := NewServer(":8080", nil)
	defer s.Shutdown(context.Background())

	body := fmt.Sprintf(`{"refPath": %q, "shapes": 2, "rounds": 5}`, imgPath)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateJob(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Expected pending state, got %s", job.State)
	}

	// Defaults are filled in
	if job.Config.Alpha != 0.5 || job.Config.Optimizer != "compass" {
		t.Errorf("Expected defaults to be applied, got %+v", job.Config)
	}
	if job.Config.Shapes != 2 {
		t.Errorf("Expected 2 shapes, got %d", job.Config.Shapes)
	}
}

func TestServer_CreateJob_ExplicitZeros(t *testing.T) {
	tmpDir := t.TempDir()
	imgPath := filepath.Join(tmpDir, "test.png")
	createTestImage(t, imgPath)

	s := NewServer(":8080", nil)
	defer s.Shutdown(context.Background())

	body := fmt.Sprintf(`{"refPath": %q, "shapes": 1, "rounds": 2, "alpha": 0, "epsilon": 0, "steps": [1, 1, 2, 2, 30]}`, imgPath)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateJob(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.Config.Alpha != 0 || job.Config.Epsilon != 0 {
		t.Errorf("Explicit zeros were replaced: alpha %v, epsilon %v", job.Config.Alpha, job.Config.Epsilon)
	}
	if len(job.Config.Steps) != 5 || job.Config.Steps[4] != 30 {
		t.Errorf("Expected per-parameter steps, got %v", job.Config.Steps)
	}
}

func TestServer_CreateJob_Invalid(t *testing.T) {
	s := NewServer(":8080", nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", "{"},
		{"missing ref", `{"shapes": 3}`},
		{"alpha out of range", `{"refPath": "a.png", "alpha": 1.5}`},
		{"unknown optimizer", `{"refPath": "a.png", "optimizer": "simplex"}`},
		{"bad policy", `{"refPath": "a.png", "policy": "sometimes"}`},
		{"short steps", `{"refPath": "a.png", "steps": [1, 2]}`},
		{"negative patience", `{"refPath": "a.png", "patience": -2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			s.handleCreateJob(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	if n := len(s.jobManager.ListJobs()); n != 0 {
		t.Errorf("Rejected requests should not create jobs, got %d", n)
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := NewServer(":8080", nil)

	s.jobManager.CreateJob(JobConfig{RefPath: "a.png"})
	s.jobManager.CreateJob(JobConfig{RefPath: "b.png"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()

	s.handleListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := NewServer(":8080", nil)

	job := s.jobManager.CreateJob(JobConfig{RefPath: "test.png", Shapes: 2})

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/status", job.ID), nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, job.ID)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != job.ID {
		t.Error("Response should contain job ID")
	}
	if response["state"] != string(StatePending) {
		t.Errorf("Expected pending state, got %v", response["state"])
	}
	if response["accepted"] != float64(0) {
		t.Errorf("Expected 0 accepted shapes, got %v", response["accepted"])
	}
}

func TestServer_Routing(t *testing.T) {
	s := NewServer(":8080", nil)
	job := s.jobManager.CreateJob(JobConfig{RefPath: "test.png"})
	handler := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"status", http.MethodGet, "/api/v1/jobs/" + job.ID + "/status", http.StatusOK},
		{"bare id", http.MethodGet, "/api/v1/jobs/" + job.ID, http.StatusOK},
		{"unknown job", http.MethodGet, "/api/v1/jobs/nonexistent/status", http.StatusNotFound},
		{"no results yet", http.MethodGet, "/api/v1/jobs/" + job.ID + "/best.png", http.StatusNotFound},
		{"no diff yet", http.MethodGet, "/api/v1/jobs/" + job.ID + "/diff.png", http.StatusNotFound},
		{"unknown subpath", http.MethodGet, "/api/v1/jobs/" + job.ID + "/nope", http.StatusNotFound},
		{"missing id", http.MethodGet, "/api/v1/jobs/", http.StatusNotFound},
		{"cancel needs post", http.MethodGet, "/api/v1/jobs/" + job.ID + "/cancel", http.StatusMethodNotAllowed},
		{"cancel idle job", http.MethodPost, "/api/v1/jobs/" + job.ID + "/cancel", http.StatusConflict},
		{"cancel unknown job", http.MethodPost, "/api/v1/jobs/nonexistent/cancel", http.StatusNotFound},
		{"status is read-only", http.MethodDelete, "/api/v1/jobs/" + job.ID, http.StatusMethodNotAllowed},
		{"jobs method", http.MethodPut, "/api/v1/jobs", http.StatusMethodNotAllowed},
		{"preflight", http.MethodOptions, "/api/v1/jobs", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestServer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	imgPath := filepath.Join(tmpDir, "test.png")
	createTestImage(t, imgPath)

	st, err := store.NewFSStore(filepath.Join(tmpDir, "data"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	_, srv := newTestServer(t, st)

	resp, job := postJob(t, srv.URL, JobConfig{RefPath: imgPath, Shapes: 3, Rounds: 5, Seed: 7})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	status := waitForState(t, srv.URL, job.ID)
	if status["state"] != string(StateCompleted) {
		t.Fatalf("Job did not complete: %v", status["error"])
	}
	if status["iterations"] != float64(3) {
		t.Errorf("Expected 3 rounds, got %v", status["iterations"])
	}

	for _, name := range []string{"best.png", "diff.png"} {
		resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/" + name)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", name, err)
		}

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", name, resp.StatusCode)
		}
		img, err := png.Decode(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("%s: failed to decode: %v", name, err)
		}
		if img.Bounds().Dx() != 50 || img.Bounds().Dy() != 50 {
			t.Errorf("%s: expected 50x50, got %v", name, img.Bounds())
		}
	}

	if _, err := st.LoadCheckpoint(job.ID); err != nil {
		t.Errorf("Expected a checkpoint after completion: %v", err)
	}
}

func TestServer_CancelJob(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	imgPath := filepath.Join(tmpDir, "test.png")
	createTestImage(t, imgPath)

	_, srv := newTestServer(t, nil)

	// Enough rounds that the job is still running when cancelled
	resp, job := postJob(t, srv.URL, JobConfig{RefPath: imgPath, Shapes: 100000, Rounds: 50})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	cancelResp, err := http.Post(srv.URL+"/api/v1/jobs/"+job.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("Failed to cancel job: %v", err)
	}
	cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", cancelResp.StatusCode)
	}

	status := waitForState(t, srv.URL, job.ID)
	if status["state"] != string(StateCancelled) {
		t.Errorf("Expected cancelled state, got %v", status["state"])
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping SSE test in short mode")
	}

	tmpDir := t.TempDir()
	imgPath := filepath.Join(tmpDir, "test.png")
	createTestImage(t, imgPath)

	_, srv := newTestServer(t, nil)

	_, job := postJob(t, srv.URL, JobConfig{RefPath: imgPath, Shapes: 5, Rounds: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/jobs/"+job.ID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %q", ct)
	}

	// The stream closes after a terminal event
	var last ProgressEvent
	events := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
			t.Fatalf("Failed to parse event %q: %v", line, err)
		}
		events++
	}

	if events == 0 {
		t.Fatal("Expected SSE data in response")
	}
	if last.JobID != job.ID {
		t.Errorf("Expected events for %s, got %s", job.ID, last.JobID)
	}
	if last.State != StateCompleted {
		t.Errorf("Expected final event to be completed, got %s", last.State)
	}
	if last.Iterations != 5 {
		t.Errorf("Expected 5 rounds in final event, got %d", last.Iterations)
	}
}

func TestServer_JobStream_NotFound(t *testing.T) {
	s := NewServer(":8080", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleJobStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_JobStream_FinishedJob(t *testing.T) {
	s := NewServer(":8080", nil)
	job := s.jobManager.CreateJob(JobConfig{RefPath: "test.png"})
	s.jobManager.UpdateJob(job.ID, func(j *Job) {
		j.State = StateCompleted
		j.Iterations = 4
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", nil)
	w := httptest.NewRecorder()

	// Returns right after the initial event
	s.handleJobStream(w, req, job.ID)

	if !strings.Contains(w.Body.String(), `"state":"completed"`) {
		t.Errorf("Expected a completed event, got %q", w.Body.String())
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	event := ProgressEvent{
		JobID:      "job1",
		State:      StateRunning,
		Iterations: 10,
		Accepted:   4,
		BestCost:   100.5,
		RPS:        15.0,
		Timestamp:  time.Now(),
	}
	eb.Broadcast(event)

	select {
	case received := <-ch:
		if received.JobID != "job1" {
			t.Errorf("Expected jobID job1, got %s", received.JobID)
		}
		if received.Iterations != 10 || received.Accepted != 4 {
			t.Errorf("Unexpected event %+v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Late subscribers get the last event replayed
	late := eb.Subscribe("job1")
	select {
	case received := <-late:
		if received.Iterations != 10 {
			t.Errorf("Expected replayed event, got %+v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for replayed event")
	}

	// A terminal event is delivered, then closes every subscription
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateCompleted, Iterations: 12})
	for _, sub := range []chan ProgressEvent{ch, late} {
		received, ok := <-sub
		if !ok || received.State != StateCompleted {
			t.Fatalf("Expected completed event, got %+v (open=%v)", received, ok)
		}
		if _, ok := <-sub; ok {
			t.Error("Expected subscription to be closed after a terminal event")
		}
	}

	// Finished jobs are forgotten
	fresh := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", fresh)
	select {
	case ev := <-fresh:
		t.Errorf("Unexpected replay after completion: %+v", ev)
	default:
	}
}
