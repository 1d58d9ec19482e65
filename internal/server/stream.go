package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	subscriberBuffer = 16
	pingInterval     = 30 * time.Second
)

// ProgressEvent is the payload of one SSE message
type ProgressEvent struct {
	JobID      string    `json:"jobId"`
	State      JobState  `json:"state"`
	Iterations int       `json:"iterations"`
	Accepted   int       `json:"accepted"`
	BestCost   float64   `json:"bestCost"`
	RPS        float64   `json:"rps"` // driver rounds per second
	Timestamp  time.Time `json:"timestamp"`
}

func progressEvent(job *Job, rps float64) ProgressEvent {
	return ProgressEvent{
		JobID:      job.ID,
		State:      job.State,
		Iterations: job.Iterations,
		Accepted:   len(job.Shapes),
		BestCost:   job.BestCost,
		RPS:        rps,
		Timestamp:  time.Now(),
	}
}

func (e ProgressEvent) terminal() bool {
	return e.State != StatePending && e.State != StateRunning
}

// EventBroadcaster fans job events out to SSE subscribers. The last event of
// a running job is replayed to new subscribers. A terminal event is delivered
// and then closes every subscription of its job.
type EventBroadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan ProgressEvent]struct{}
	last map[string]ProgressEvent
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs: make(map[string]map[chan ProgressEvent]struct{}),
		last: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a buffered channel for jobID.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	if eb.subs[jobID] == nil {
		eb.subs[jobID] = make(map[chan ProgressEvent]struct{})
	}
	eb.subs[jobID][ch] = struct{}{}

	if ev, ok := eb.last[jobID]; ok {
		ch <- ev
	}

	slog.Debug("SSE client subscribed", "job_id", jobID, "clients", len(eb.subs[jobID]))
	return ch
}

// Unsubscribe closes ch unless a terminal event already did.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	set, ok := eb.subs[jobID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(eb.subs, jobID)
	}
}

// Broadcast never blocks; a subscriber whose buffer is full misses the event.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	set := eb.subs[event.JobID]
	for ch := range set {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE subscriber lagging, dropping event", "job_id", event.JobID, "iterations", event.Iterations)
		}
	}

	if !event.terminal() {
		eb.last[event.JobID] = event
		return
	}

	for ch := range set {
		close(ch)
	}
	delete(eb.subs, event.JobID)
	delete(eb.last, event.JobID)
}

// handleJobStream serves GET /api/v1/jobs/{id}/stream. The stream starts with
// the job's current state and ends after a terminal event.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot so a job finishing in between is not missed
	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	send := func(ev ProgressEvent) bool {
		if err := writeSSEEvent(w, ev); err != nil {
			slog.Debug("SSE write failed", "job_id", jobID, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(progressEvent(job, 0)) || job.Done() {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok || !send(ev) || ev.terminal() {
				return
			}
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
