package resilience

import (
	"context"

	"github.com/MrWong99/amdetect/internal/observe"
	"github.com/MrWong99/amdetect/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] by opening streams on the first
// healthy backend. Failover happens only when a stream is opened; a session
// stays on its backend for the rest of the call.
type STTFallback struct {
	group   *FallbackGroup[stt.Provider]
	metrics *observe.Metrics
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. metrics may be nil.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig, metrics *observe.Metrics) *STTFallback {
	f := &STTFallback{metrics: metrics}
	userHook := cfg.OnFailure
	cfg.OnFailure = func(name string, err error) {
		if f.metrics != nil {
			f.metrics.RecordProviderError(context.Background(), name, "start_stream")
		}
		if userHook != nil {
			userHook(name, err)
		}
	}
	f.group = NewFallbackGroup(primary, primaryName, cfg)
	return f
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Available reports whether any backend's breaker is not open.
func (f *STTFallback) Available() bool {
	return f.group.Available()
}

// Names returns the backend names in failover order.
func (f *STTFallback) Names() []string {
	return f.group.Names()
}

// StartStream opens a stream on the first backend that accepts it. Every
// attempt is counted per backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return executeNamed(f.group, func(name string, p stt.Provider) (stt.SessionHandle, error) {
		h, err := p.StartStream(ctx, cfg)
		if f.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			f.metrics.RecordProviderRequest(ctx, name, status)
		}
		return h, err
	})
}
