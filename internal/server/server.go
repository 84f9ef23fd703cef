// Package server exposes the decision engine over HTTP and websockets.
//
// Routes:
//
//   - GET /                       service info
//   - POST /analyze               single-shot analysis of a base64 recording
//   - GET /ws/{call_id}           streaming session at the default sample rate
//   - GET /ws/stream              streaming session configured by a first JSON message
//   - DELETE /sessions/{call_id}  cancel a running streaming session
//
// A streaming connection carries binary PCM frames from the client and
// exactly one JSON message back: the decision, or {"error": ...}. The
// server closes the connection after it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/amdetect/internal/amd"
)

// ServiceName is reported by GET /.
const ServiceName = "AMD Service"

// Detector is the engine surface the server drives.
type Detector interface {
	OpenStream(ctx context.Context, callID string, sampleRate int) (*amd.StreamSession, error)
	Analyze(ctx context.Context, callID string, sampleRate int, audio []byte) (amd.DecisionResult, error)
	Cancel(callID string) bool
}

// Server holds the handlers. Create it with [New] and mount it with
// [Server.Register].
type Server struct {
	detector      Detector
	sampleRate    int
	version       string
	maxBodyBytes  int64
	maxFrameBytes int64
}

// Option configures a [Server].
type Option func(*Server)

// WithSampleRate sets the sample rate for /ws/{call_id} and for requests
// that omit one. Default: 8000.
func WithSampleRate(hz int) Option {
	return func(s *Server) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithMaxBodyBytes limits the size of POST /analyze bodies. Default: 16 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithMaxFrameBytes limits the size of a single websocket message.
// Default: 1 MiB.
func WithMaxFrameBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFrameBytes = n
		}
	}
}

// New creates a Server driving d.
func New(d Detector, opts ...Option) *Server {
	s := &Server{
		detector:      d,
		sampleRate:    8000,
		version:       "1.0.0",
		maxBodyBytes:  16 << 20,
		maxFrameBytes: 1 << 20,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.Info)
	mux.HandleFunc("POST /analyze", s.Analyze)
	mux.HandleFunc("GET /ws/stream", s.StreamConfigured)
	mux.HandleFunc("GET /ws/{call_id}", s.Stream)
	mux.HandleFunc("DELETE /sessions/{call_id}", s.CancelSession)
}

type info struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Info reports the service name and version.
func (s *Server) Info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, info{Status: "ok", Service: ServiceName, Version: s.version})
}

// CancelSession stops the streaming session named by the path without a
// decision. Responds 204 if it was running and 404 otherwise.
func (s *Server) CancelSession(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if !s.detector.Cancel(callID) {
		writeError(w, http.StatusNotFound, "no active session for call "+callID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, amd.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, amd.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, amd.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
