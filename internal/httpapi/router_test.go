// v0
// internal/httpapi/router_test.go
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/metrics"
)

type fakeStatus struct{}

func (fakeStatus) Phase() string { return "voting" }
func (fakeStatus) Readers() []ReaderView {
	return []ReaderView{{ID: "r1", Seq: 1, AttachedAt: time.Unix(0, 0).UTC(), Value: "Alice"}}
}
func (fakeStatus) Bindings() []binding.Binding {
	return []binding.Binding{{Reader: "r1", Value: "Alice"}}
}
func (fakeStatus) Counters() Counters { return Counters{Published: 4, Lost: 1, Journaled: 1} }

func newTestServer(t *testing.T) (http.Handler, *Health, *metrics.Metrics, *bytes.Buffer) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Health{}
	m := metrics.New()
	var access bytes.Buffer
	return Wrap(log, &access, NewRouter(log, h, fakeStatus{}, m)), h, m, &access
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	h, health, _, access := newTestServer(t)
	if rec := get(t, h, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}
	if rec := get(t, h, "/health/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health/ready before ready = %d", rec.Code)
	}
	health.SetReady(true)
	if rec := get(t, h, "/health/ready"); rec.Code != http.StatusOK {
		t.Fatalf("/health/ready = %d", rec.Code)
	}
	if !strings.Contains(access.String(), "GET /health") {
		t.Fatalf("access log missing request: %q", access.String())
	}
}

func TestStatusEndpoints(t *testing.T) {
	h, _, m, _ := newTestServer(t)

	var phase map[string]string
	if err := json.NewDecoder(get(t, h, "/phase").Body).Decode(&phase); err != nil || phase["phase"] != "voting" {
		t.Fatalf("phase = %v, %v", phase, err)
	}
	var readers []ReaderView
	if err := json.NewDecoder(get(t, h, "/readers").Body).Decode(&readers); err != nil || len(readers) != 1 || readers[0].Value != "Alice" {
		t.Fatalf("readers = %+v, %v", readers, err)
	}
	var bindings []binding.Binding
	if err := json.NewDecoder(get(t, h, "/bindings").Body).Decode(&bindings); err != nil || len(bindings) != 1 {
		t.Fatalf("bindings = %+v, %v", bindings, err)
	}
	var counters Counters
	if err := json.NewDecoder(get(t, h, "/stats").Body).Decode(&counters); err != nil || counters.Published != 4 {
		t.Fatalf("stats = %+v, %v", counters, err)
	}
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "nfcvote_http_requests_total") {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if rec := get(t, h, "/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("/nope = %d", rec.Code)
	}
	if got, err := testutil.GatherAndCount(m.Registry(), "nfcvote_http_requests_total"); err != nil || got == 0 {
		t.Fatalf("request counter not populated: %d %v", got, err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/phase", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /phase = %d", rec.Code)
	}
}

type fakeControl struct {
	fakeStatus
	calls []string
}

func (f *fakeControl) ArmReader(id string) error {
	return f.act("arm", id)
}

func (f *fakeControl) ForgetReader(id string) error {
	return f.act("forget", id)
}

func (f *fakeControl) act(action, id string) error {
	switch id {
	case "ghost":
		return fmt.Errorf("%s %q: %w", action, id, device.ErrUnknownReader)
	case "late":
		return errors.New("no assignment in progress")
	}
	f.calls = append(f.calls, action+":"+id)
	return nil
}

func TestReaderActions(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctl := &fakeControl{}
	h := NewRouter(log, &Health{}, ctl, metrics.New())

	post := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec.Code
	}
	cases := []struct {
		path string
		want int
	}{
		{"/readers/r1/forget", http.StatusOK},
		{"/readers/r2/arm", http.StatusOK},
		{"/readers/ghost/forget", http.StatusNotFound},
		{"/readers/late/arm", http.StatusConflict},
	}
	for _, tc := range cases {
		if got := post(tc.path); got != tc.want {
			t.Fatalf("POST %s = %d, want %d", tc.path, got, tc.want)
		}
	}
	if len(ctl.calls) != 2 || ctl.calls[0] != "forget:r1" || ctl.calls[1] != "arm:r2" {
		t.Fatalf("calls = %v", ctl.calls)
	}
}

func TestReaderActionsAbsentWithoutControl(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readers/r1/forget", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("POST forget without control = %d", rec.Code)
	}
}
