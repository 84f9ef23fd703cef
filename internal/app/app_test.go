package app_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/amdetect/internal/amd"
	"github.com/MrWong99/amdetect/internal/app"
	"github.com/MrWong99/amdetect/internal/config"
	"github.com/MrWong99/amdetect/internal/observe"
	"github.com/MrWong99/amdetect/pkg/provider/stt"
	"github.com/MrWong99/amdetect/pkg/provider/stt/mock"
)

// testConfig returns a config with defaults applied.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{STT: config.ProviderEntry{Name: "mock"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// closingProvider counts Close calls.
type closingProvider struct {
	*mock.Provider
	closed int
}

func (p *closingProvider) Close() error {
	p.closed++
	return nil
}

func scripted(final string) *mock.Provider {
	return &mock.Provider{NewSessionFunc: func(stt.StreamConfig) stt.SessionHandle {
		s := mock.NewSession()
		s.FlushFinals = []string{final}
		return s
	}}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNew_RequiresSTT(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(), &app.Providers{})
	if !errors.Is(err, amd.ErrEngineUnavailable) {
		t.Fatalf("err = %v, want ErrEngineUnavailable", err)
	}
}

func TestNew_WiresEngine(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Detection.DecisionTimeoutSeconds = 2
	cfg.Detection.VoicemailKeywords = []string{"contestador"}

	a, err := app.New(cfg, &app.Providers{STT: app.NamedSTT{Name: "mock", Provider: &mock.Provider{}}}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := a.Engine().Timing().DecisionTimeout; got != 2*time.Second {
		t.Errorf("DecisionTimeout = %v, want 2s", got)
	}
	if got := a.Engine().Classifier().Keywords(); !slices.Equal(got, []string{"contestador"}) {
		t.Errorf("Keywords = %v", got)
	}
}

func TestOnConfigChange(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	lv := new(slog.LevelVar)
	a, err := app.New(cfg, &app.Providers{STT: app.NamedSTT{Name: "mock", Provider: &mock.Provider{}}},
		app.WithMetrics(testMetrics(t)), app.WithLogLevel(lv))
	if err != nil {
		t.Fatal(err)
	}

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Detection.DecisionTimeoutSeconds = 1
	updated.Detection.VoicemailKeywords = []string{"beep"}
	a.OnConfigChange(cfg, updated, config.Diff(cfg, updated))

	if got := a.Engine().Timing().DecisionTimeout; got != time.Second {
		t.Errorf("DecisionTimeout = %v, want 1s", got)
	}
	if got := a.Engine().Classifier().Keywords(); !slices.Equal(got, []string{"beep"}) {
		t.Errorf("Keywords = %v", got)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	t.Parallel()
	primary := &closingProvider{Provider: &mock.Provider{StartStreamErr: errors.New("primary down")}}
	fallback := &closingProvider{Provider: scripted("hola")}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	a, err := app.New(testConfig(), &app.Providers{
		STT:          app.NamedSTT{Name: "primary", Provider: primary},
		STTFallbacks: []app.NamedSTT{{Name: "fallback", Provider: fallback}},
	}, app.WithMetrics(testMetrics(t)), app.WithGatherer(reg), app.WithListener(ln), app.WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	waitUp(t, base+"/healthz")

	body, _ := json.Marshal(map[string]any{
		"call_id":      "app-1",
		"audio_base64": base64.StdEncoding.EncodeToString(make([]byte, 320)),
	})
	resp, err := http.Post(base+"/analyze", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var res amd.DecisionResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || res.Outcome != amd.OutcomeHuman {
		t.Errorf("analyze = %d %+v, want HUMAN from the fallback provider", resp.StatusCode, res)
	}

	for path, want := range map[string]string{
		"/":        `"version":"test"`,
		"/health":  `"model_loaded":true`,
		"/readyz":  `"stt":"ok"`,
		"/metrics": "",
	} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), want) {
			t.Errorf("GET %s = %d %s", path, resp.StatusCode, data)
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if primary.closed != 1 || fallback.closed != 1 {
		t.Errorf("providers closed %d/%d times, want 1/1", primary.closed, fallback.closed)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()
	p := &closingProvider{Provider: &mock.Provider{}}
	a, err := app.New(testConfig(), &app.Providers{STT: app.NamedSTT{Name: "mock", Provider: p}}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
	if p.closed != 0 {
		t.Error("closer ran after the deadline")
	}
}

func waitUp(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
