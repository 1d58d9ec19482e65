package server

import (
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"net/http"

	"github.com/cwbudde/rectfit/internal/fit"
)

var errNoResults = errors.New("no results yet")

// bestImage returns the job's current canvas as a grayscale image
func bestImage(job *Job) (*image.Gray, error) {
	if job.canvas.Len() == 0 {
		return nil, errNoResults
	}
	return job.canvas.Image(), nil
}

// diffImage returns the false-color difference between reference and canvas
func diffImage(job *Job) (*image.NRGBA, error) {
	if job.canvas.Len() == 0 {
		return nil, errNoResults
	}
	return fit.DiffImage(job.target, job.canvas)
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writePNG streams img as an uncached PNG
func writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")

	if err := png.Encode(w, img); err != nil {
		slog.Error("Failed to encode PNG", "error", err)
	}
}
