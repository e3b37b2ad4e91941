// Package webhooks forwards task lifecycle events to external HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/foreman/internal/events"
)

// Endpoint is a registered webhook destination
type Endpoint struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Secret    string            `json:"secret,omitempty"` // HMAC key, signature goes in X-Webhook-Signature
	Filter    events.Filter     `json:"filter"`
	Headers   map[string]string `json:"headers,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt int64             `json:"created_at"`
}

// Payload is what an endpoint receives
type Payload struct {
	Event      *events.Event `json:"event"`
	EndpointID string        `json:"endpoint_id"`
	DeliveryID string        `json:"delivery_id"`
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	EndpointID string
	DeliveryID string
	Type       events.EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

type deliveryJob struct {
	endpoint *Endpoint
	payload  *Payload
}

// Manager fans events from the bus out to registered endpoints. Delivery
// is fire and forget: a slow endpoint drops events rather than blocking
// the scheduler.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *log.Logger
	client    *http.Client
	jobs      chan *deliveryJob
	stopCh    chan struct{}
	wg        sync.WaitGroup

	// circular delivery history for the operator surface
	historyMu   sync.Mutex
	history     []*DeliveryResult
	historySize int
	historyPos  int
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[webhooks] ", log.LstdFlags)
	}
	return &Manager{
		endpoints:   make(map[string]*Endpoint),
		logger:      logger,
		client:      &http.Client{Timeout: 30 * time.Second},
		jobs:        make(chan *deliveryJob, 1000),
		stopCh:      make(chan struct{}),
		history:     make([]*DeliveryResult, 0, 100),
		historySize: 100,
	}
}

// Start consumes the bus subscription and spawns delivery workers
func (m *Manager) Start(bus *events.Bus, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}

	ch := bus.Subscribe("webhooks")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer bus.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.dispatch(event)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop drains the workers or gives up when ctx expires
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Register(endpoint *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if endpoint.ID == "" {
		return fmt.Errorf("endpoint ID is required")
	}
	if endpoint.URL == "" {
		return fmt.Errorf("endpoint URL is required")
	}
	endpoint.CreatedAt = time.Now().Unix()
	m.endpoints[endpoint.ID] = endpoint
	m.logger.Printf("registered endpoint %s -> %s", endpoint.ID, endpoint.URL)
	return nil
}

func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	delete(m.endpoints, id)
	return nil
}

func (m *Manager) Get(id string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", id)
	}
	cp := *endpoint
	return &cp, nil
}

func (m *Manager) List() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Endpoint, 0, len(m.endpoints))
	for _, endpoint := range m.endpoints {
		cp := *endpoint
		result = append(result, &cp)
	}
	return result
}

func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint, ok := m.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	endpoint.Enabled = enabled
	return nil
}

// History returns up to limit recent delivery results, oldest first
func (m *Manager) History(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	result := make([]*DeliveryResult, limit)
	start := (m.historyPos - limit + len(m.history)) % max(len(m.history), 1)
	for i := 0; i < limit; i++ {
		result[i] = m.history[(start+i)%len(m.history)]
	}
	return result
}

// dispatch queues an event for every matching endpoint
func (m *Manager) dispatch(event *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, endpoint := range m.endpoints {
		if !endpoint.Enabled || !endpoint.Filter.Matches(event) {
			continue
		}
		job := &deliveryJob{
			endpoint: endpoint,
			payload: &Payload{
				Event:      event,
				EndpointID: endpoint.ID,
				DeliveryID: uuid.New().String(),
			},
		}
		select {
		case m.jobs <- job:
		default:
			m.logger.Printf("delivery queue full, dropping %s for endpoint %s", event.Type, endpoint.ID)
		}
	}
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			m.deliver(job)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) deliver(job *deliveryJob) {
	start := time.Now()
	result := &DeliveryResult{
		EndpointID: job.endpoint.ID,
		DeliveryID: job.payload.DeliveryID,
		Type:       job.payload.Event.Type,
		Timestamp:  start.Unix(),
	}

	body, err := json.Marshal(job.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshaling payload: %v", err)
		m.record(result)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("building request: %v", err)
		m.record(result)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Foreman-Webhooks/1.0")
	req.Header.Set("X-Webhook-Delivery-ID", job.payload.DeliveryID)
	req.Header.Set("X-Webhook-Event", string(job.payload.Event.Type))
	for k, v := range job.endpoint.Headers {
		req.Header.Set(k, v)
	}
	if job.endpoint.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, job.endpoint.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.record(result)
		m.logger.Printf("%s delivery to %s failed: %v", job.payload.Event.Type, job.endpoint.URL, err)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Printf("%s delivery to %s failed: HTTP %d", job.payload.Event.Type, job.endpoint.URL, resp.StatusCode)
	}
	m.record(result)
}

func (m *Manager) record(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if len(m.history) < m.historySize {
		m.history = append(m.history, result)
	} else {
		m.history[m.historyPos] = result
		m.historyPos = (m.historyPos + 1) % m.historySize
	}
}

// VerifySignature lets receivers authenticate a delivery
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
