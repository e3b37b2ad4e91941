package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/foreman/internal/events"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.sigs = append(c.sigs, r.Header.Get("X-Webhook-Signature"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestManagerDeliversMatchingEvents(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	bus := events.NewBus()
	defer bus.Close()

	mgr := NewManager(nil)
	require.NoError(t, mgr.Register(&Endpoint{
		ID:      "ep1",
		URL:     srv.URL,
		Enabled: true,
		Filter:  events.Filter{Types: []events.EventType{events.EventTaskCompleted}},
	}))
	mgr.Start(bus, 2)
	defer mgr.Stop(context.Background())

	require.NoError(t, bus.Publish(context.Background(),
		events.NewEvent(events.EventTaskCompleted, "t1", "backend", map[string]any{"worker": "w1"})))
	require.NoError(t, bus.Publish(context.Background(),
		events.NewEvent(events.EventTaskFailed, "t2", "backend", nil)))

	waitFor(t, func() bool { return cap.count() == 1 })

	var payload Payload
	require.NoError(t, json.Unmarshal(cap.bodies[0], &payload))
	assert.Equal(t, "ep1", payload.EndpointID)
	assert.Equal(t, events.EventTaskCompleted, payload.Event.Type)
	assert.Equal(t, "t1", payload.Event.TaskID)
	assert.NotEmpty(t, payload.DeliveryID)

	history := mgr.History(10)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, http.StatusOK, history[0].StatusCode)
}

func TestManagerSignsDeliveries(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	bus := events.NewBus()
	defer bus.Close()

	mgr := NewManager(nil)
	require.NoError(t, mgr.Register(&Endpoint{
		ID: "signed", URL: srv.URL, Secret: "hunter2", Enabled: true,
	}))
	mgr.Start(bus, 1)
	defer mgr.Stop(context.Background())

	require.NoError(t, bus.Publish(context.Background(),
		events.NewEvent(events.EventTaskStarted, "t1", "backend", nil)))
	waitFor(t, func() bool { return cap.count() == 1 })

	sig := strings.TrimPrefix(cap.sigs[0], "sha256=")
	assert.True(t, VerifySignature(cap.bodies[0], sig, "hunter2"))
	assert.False(t, VerifySignature(cap.bodies[0], sig, "wrong"))
}

func TestManagerSkipsDisabledEndpoints(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	bus := events.NewBus()
	defer bus.Close()

	mgr := NewManager(nil)
	require.NoError(t, mgr.Register(&Endpoint{ID: "off", URL: srv.URL, Enabled: false}))
	mgr.Start(bus, 1)
	defer mgr.Stop(context.Background())

	require.NoError(t, bus.Publish(context.Background(),
		events.NewEvent(events.EventTaskCompleted, "t1", "backend", nil)))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, cap.count())

	require.NoError(t, mgr.SetEnabled("off", true))
	require.NoError(t, bus.Publish(context.Background(),
		events.NewEvent(events.EventTaskCompleted, "t2", "backend", nil)))
	waitFor(t, func() bool { return cap.count() == 1 })
}

func TestManagerRecordsFailedDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	bus := events.NewBus()
	defer bus.Close()

	mgr := NewManager(nil)
	require.NoError(t, mgr.Register(&Endpoint{ID: "bad", URL: srv.URL, Enabled: true}))
	mgr.Start(bus, 1)
	defer mgr.Stop(context.Background())

	require.NoError(t, bus.Publish(context.Background(),
		events.NewEvent(events.EventTaskCompleted, "t1", "backend", nil)))
	waitFor(t, func() bool { return len(mgr.History(10)) == 1 })

	history := mgr.History(10)
	assert.False(t, history[0].Success)
	assert.Equal(t, http.StatusBadGateway, history[0].StatusCode)
	assert.Equal(t, "HTTP 502", history[0].Error)
}

func TestRegisterValidation(t *testing.T) {
	mgr := NewManager(nil)
	assert.Error(t, mgr.Register(&Endpoint{URL: "http://x"}))
	assert.Error(t, mgr.Register(&Endpoint{ID: "x"}))
	assert.Error(t, mgr.Unregister("missing"))
	_, err := mgr.Get("missing")
	assert.Error(t, err)
}
