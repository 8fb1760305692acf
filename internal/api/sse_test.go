package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge-data/emgrip/internal/emg"
	"github.com/bioforge-data/emgrip/internal/engine"
	"github.com/bioforge-data/emgrip/internal/gesture"
)

func (d *fakeDevice) pushReading(r emg.Reading) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.readingSubs["r"]
	if !ok {
		return false
	}
	ch <- r
	return true
}

func (e *fakeEngine) pushGesture(ev engine.GestureEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.subs["g"]
	if !ok {
		return false
	}
	ch <- ev
	return true
}

func TestStreamEvents(t *testing.T) {
	s, dev, eng := newTestServer(t, nil)
	srv := httptest.NewServer(s.ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// wait for the handler to register its subscriptions, then feed events
	go func() {
		for !dev.pushReading(emg.NewReading([]float64{5, 6}, time.Now())) {
			time.Sleep(time.Millisecond)
		}
		for !eng.pushGesture(engine.GestureEvent{GestureID: gesture.Fist, Label: "FIST", Confidence: 0.8, At: time.Now()}) {
			time.Sleep(time.Millisecond)
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	events := make(map[string]string)
	var current string
	deadline := time.AfterFunc(5*time.Second, func() { resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			events[current] = strings.TrimPrefix(line, "data: ")
		}
		if len(events) >= 2 {
			break
		}
	}

	require.Contains(t, events, "reading")
	require.Contains(t, events, "gesture")

	var reading readingResponse
	require.NoError(t, json.Unmarshal([]byte(events["reading"]), &reading))
	assert.Equal(t, 2, reading.Channels)

	var gev engine.GestureEvent
	require.NoError(t, json.Unmarshal([]byte(events["gesture"]), &gev))
	assert.Equal(t, "FIST", gev.Label)
}

func TestStreamEventsMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/events", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
