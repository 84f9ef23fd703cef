package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/amdetect/internal/observe"
)

type analyzeRequest struct {
	CallID      string `json:"call_id"`
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
}

// Analyze decides on a complete recording sent as base64 PCM. It always
// answers with a decision unless the request is invalid or the engine
// cannot open a session.
func (s *Server) Analyze(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var req analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}
	if req.SampleRate == 0 {
		req.SampleRate = s.sampleRate
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio_base64 is not valid base64")
		return
	}

	res, err := s.detector.Analyze(r.Context(), req.CallID, req.SampleRate, audio)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("analyze failed", "call_id", req.CallID, "err", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
