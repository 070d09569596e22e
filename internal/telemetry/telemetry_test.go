package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agronos/device-agent/internal/store"
)

type fakeTransport struct {
	connected   bool
	connectErr  error
	publishErr  error
	connects    int
	publishes   int
	lastPublish []Reading
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func (f *fakeTransport) PublishSensors(ctx context.Context, readings []Reading) error {
	f.publishes++
	f.lastPublish = readings
	return f.publishErr
}

func testStore(t *testing.T, baseURL string, mqttEnabled bool) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "telemetry_test.db"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.LoadDefaults(store.DeviceConfig{
		BaseURL:      baseURL,
		ReadInterval: time.Minute,
		MQTTEnabled:  mqttEnabled,
	})
	return s
}

func TestDeliver_EmptyBatchRejected(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := testStore(t, srv.URL, false)
	s.SetToken("tok")
	sender := NewSender(s, nil)

	if err := sender.Deliver(context.Background(), nil); err == nil {
		t.Fatal("Deliver(nil) should fail")
	}
	if hits.Load() != 0 {
		t.Errorf("empty batch made %d network calls, want 0", hits.Load())
	}
}

func TestDeliver_HTTPRoundsToTwoDecimals(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/device/data" {
			t.Errorf("path = %q, want /api/v1/device/data", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
	}))
	defer srv.Close()

	s := testStore(t, srv.URL, false)
	s.SetToken("tok")
	sender := NewSender(s, nil)

	err := sender.Deliver(context.Background(), []Reading{{UUID: "temp-0", Value: 22.567}})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}

	body, _ := gotBody.Load().(string)
	if !strings.Contains(body, `"value":22.57`) {
		t.Errorf("body %q should contain value rounded to 22.57", body)
	}
	if strings.Contains(body, "22.567") {
		t.Errorf("body %q contains unrounded value", body)
	}
}

func TestDeliver_MQTTDisabledUsesHTTPOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s := testStore(t, srv.URL, false)
	s.SetToken("tok")
	s.SetMQTTCredentials("broker", "user", "pw")

	ft := &fakeTransport{}
	sender := NewSender(s, nil)
	sender.AttachTransport(ft)

	if err := sender.Deliver(context.Background(), []Reading{{UUID: "a", Value: 1}}); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if ft.connects != 0 || ft.publishes != 0 {
		t.Errorf("MQTT touched with MQTT disabled: %d connects, %d publishes", ft.connects, ft.publishes)
	}
}

func TestDeliver_MQTTSuccessSkipsHTTP(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := testStore(t, srv.URL, true)
	s.SetToken("tok")
	s.SetMQTTCredentials("broker", "user", "pw")

	ft := &fakeTransport{}
	sender := NewSender(s, nil)
	sender.AttachTransport(ft)

	if err := sender.Deliver(context.Background(), []Reading{{UUID: "a", Value: 1}}); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if ft.publishes != 1 {
		t.Errorf("publishes = %d, want 1", ft.publishes)
	}
	if hits.Load() != 0 {
		t.Errorf("HTTP attempted %d times after MQTT success, want 0", hits.Load())
	}
}

func TestDeliver_MQTTPublishFailureFallsBackToHTTP(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := testStore(t, srv.URL, true)
	s.SetToken("tok")
	s.SetMQTTCredentials("broker", "user", "pw")

	ft := &fakeTransport{connected: true, publishErr: fmt.Errorf("broker hiccup")}
	sender := NewSender(s, nil)
	sender.AttachTransport(ft)

	if err := sender.Deliver(context.Background(), []Reading{{UUID: "a", Value: 1}}); err != nil {
		t.Fatalf("Deliver() should succeed via HTTP fallback, got: %v", err)
	}
	if ft.publishes != 1 {
		t.Errorf("publishes = %d, want exactly 1 (no MQTT retry loop)", ft.publishes)
	}
	if hits.Load() != 1 {
		t.Errorf("HTTP fallback hit %d times, want 1", hits.Load())
	}
}

func TestDeliver_MQTTFallbackResultEqualsHTTPOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := testStore(t, srv.URL, true)
	s.SetToken("tok")
	s.SetMQTTCredentials("broker", "user", "pw")

	ft := &fakeTransport{connectErr: fmt.Errorf("broker unreachable")}
	sender := NewSender(s, nil)
	sender.AttachTransport(ft)

	if err := sender.Deliver(context.Background(), []Reading{{UUID: "a", Value: 1}}); err == nil {
		t.Fatal("Deliver() should mirror the HTTP failure when both paths fail")
	}
}

func TestDeliver_NoTokenFailsFast(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := testStore(t, srv.URL, false)
	sender := NewSender(s, nil)

	if err := sender.Deliver(context.Background(), []Reading{{UUID: "a", Value: 1}}); err == nil {
		t.Fatal("Deliver() should fail without a token")
	}
	if hits.Load() != 0 {
		t.Errorf("made %d HTTP calls without a token, want 0", hits.Load())
	}
}

func TestDeliverValues_MismatchedLengthsRejected(t *testing.T) {
	s := testStore(t, "http://unused.invalid", false)
	sender := NewSender(s, nil)

	err := sender.DeliverValues(context.Background(), []string{"a", "b"}, []float64{1.0})
	if err == nil {
		t.Fatal("DeliverValues() should reject mismatched lengths")
	}
}

func TestRound2(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{22.567, 22.57},
		{22.564, 22.56},
		{-1.005, -1.0}, // float representation of -1.005 is slightly above
		{0, 0},
		{100.0, 100.0},
	}
	for _, tt := range tests {
		if got := Round2(tt.in); got != tt.want {
			t.Errorf("Round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
