package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/amdetect/internal/amd"
	"github.com/MrWong99/amdetect/internal/observe"
)

// configTimeout bounds the wait for the first message on /ws/stream.
const configTimeout = 10 * time.Second

type streamConfig struct {
	CallID     string `json:"call_id"`
	SampleRate int    `json:"sample_rate"`
}

type readyMessage struct {
	Status string `json:"status"`
	CallID string `json:"call_id"`
}

// Stream runs a streaming session for the call id in the path at the
// default sample rate.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.maxFrameBytes)

	ctx := r.Context()
	ss, err := s.detector.OpenStream(ctx, r.PathValue("call_id"), s.sampleRate)
	if err != nil {
		s.fail(ctx, conn, err)
		return
	}
	s.run(ctx, conn, ss)
}

// StreamConfigured runs a streaming session whose call id and sample rate
// come from a first JSON text message. The server answers it with
// {"status":"ready","call_id":...} once the session is registered. A missing
// call id is replaced by a random one.
func (s *Server) StreamConfigured(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.maxFrameBytes)

	ctx := r.Context()
	cfg, err := s.readConfig(ctx, conn)
	if err != nil {
		s.fail(ctx, conn, err)
		return
	}

	ss, err := s.detector.OpenStream(ctx, cfg.CallID, cfg.SampleRate)
	if err != nil {
		s.fail(ctx, conn, err)
		return
	}
	if err := writeMessage(ctx, conn, readyMessage{Status: "ready", CallID: ss.CallID()}); err != nil {
		ss.Close()
		observe.Logger(ctx).Info("client went away before streaming", "call_id", cfg.CallID, "err", err)
		return
	}
	s.run(ctx, conn, ss)
}

func (s *Server) readConfig(ctx context.Context, conn *websocket.Conn) (streamConfig, error) {
	rctx, cancel := context.WithTimeout(ctx, configTimeout)
	defer cancel()

	typ, data, err := conn.Read(rctx)
	if err != nil {
		return streamConfig{}, fmt.Errorf("reading stream config: %w", err)
	}
	if typ != websocket.MessageText {
		return streamConfig{}, fmt.Errorf("%w: first message must be a JSON config", amd.ErrInvalidSession)
	}
	var cfg streamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return streamConfig{}, fmt.Errorf("%w: stream config: %w", amd.ErrInvalidSession, err)
	}
	if cfg.CallID == "" {
		cfg.CallID = uuid.NewString()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = s.sampleRate
	}
	return cfg, nil
}

// run pumps binary frames into ss and writes its outcome. Text messages
// after the handshake are ignored.
func (s *Server) run(ctx context.Context, conn *websocket.Conn, ss *amd.StreamSession) {
	log := observe.Logger(ctx).With("call_id", ss.CallID())

	frames := make(chan []byte)
	stop := make(chan struct{})
	go func() {
		defer close(frames)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				log.Debug("websocket read ended", "close_status", websocket.CloseStatus(err), "err", err)
				return
			}
			if typ != websocket.MessageBinary {
				log.Debug("ignoring non-binary message", "bytes", len(data))
				continue
			}
			select {
			case frames <- data:
			case <-stop:
				return
			}
		}
	}()

	res, err := ss.Run(frames)
	close(stop)

	switch {
	case err == nil:
		if werr := writeMessage(ctx, conn, res); werr != nil {
			log.Warn("sending decision failed", "err", werr)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "decision sent")
	case errors.Is(err, amd.ErrDisconnected):
		log.Info("stream ended without decision", "reason", err)
		conn.Close(websocket.StatusNormalClosure, "session ended")
	default:
		s.fail(ctx, conn, err)
	}
}

// fail reports err to the client and closes the connection.
func (s *Server) fail(ctx context.Context, conn *websocket.Conn, err error) {
	status := statusFor(err)
	log := observe.Logger(ctx)
	if status >= http.StatusInternalServerError {
		log.Error("streaming session failed", "err", err)
	} else {
		log.Info("streaming session rejected", "err", err)
	}
	if werr := writeMessage(ctx, conn, errorBody{Error: err.Error()}); werr != nil {
		return
	}
	code := websocket.StatusPolicyViolation
	if status >= http.StatusInternalServerError {
		code = websocket.StatusInternalError
	}
	conn.Close(code, http.StatusText(status))
}

func writeMessage(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
