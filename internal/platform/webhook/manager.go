// Package webhook delivers inventory events to registered HTTP endpoints.
// Payloads are signed with HMAC-SHA256 and failed deliveries are retried
// with backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// ErrEndpointNotFound is returned for an unknown endpoint id.
var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// Endpoint is a registered delivery destination.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is the body POSTed to endpoints.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	MedicineID int             `json:"medicine_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Delivery records one attempt to deliver an event to an endpoint.
type Delivery struct {
	ID         string        `json:"id"`
	EndpointID string        `json:"endpoint_id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// A "sha256=" prefix, as sent in X-Webhook-Signature, is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// Option configures a Manager.
type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. The number of delays is
// the number of retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = delays }
}

// WithQueueSize sets how many events Enqueue buffers before dropping.
func WithQueueSize(n int) Option {
	return func(m *Manager) { m.queue = make(chan Event, n) }
}

// WithLogSize bounds the number of deliveries kept in memory.
func WithLogSize(n int) Option {
	return func(m *Manager) { m.logSize = n }
}

// Manager holds endpoints and delivers events to the ones subscribed.
type Manager struct {
	mu          sync.RWMutex
	endpoints   map[string]*Endpoint
	deliveries  []Delivery
	logSize     int
	httpClient  *http.Client
	retryDelays []time.Duration
	queue       chan Event
	logger      zerolog.Logger
}

func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		endpoints:   make(map[string]*Endpoint),
		logSize:     500,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		queue:       make(chan Event, 256),
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

// Register adds an endpoint subscribed to events. An empty secret is
// replaced by a random one; no events subscribes to everything.
func (m *Manager) Register(rawURL, secret string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	if len(events) == 0 {
		events = []string{"*"}
	}
	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Secret:    secret,
		Events:    append([]string(nil), events...),
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.endpoints[ep.ID] = ep
	m.mu.Unlock()
	return ep, nil
}

// Endpoint returns a copy of the endpoint with id.
func (m *Manager) Endpoint(id string) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	return *ep, nil
}

// Endpoints lists endpoints oldest first.
func (m *Manager) Endpoints() []Endpoint {
	m.mu.RLock()
	out := make([]Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, *ep)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(m.endpoints, id)
	return nil
}

func (m *Manager) Pause(id string) error  { return m.setStatus(id, StatusPaused) }
func (m *Manager) Resume(id string) error { return m.setStatus(id, StatusActive) }

func (m *Manager) setStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return ErrEndpointNotFound
	}
	ep.Status = status
	return nil
}

// Deliveries returns the logged attempts for an endpoint, newest first.
// An empty endpointID returns every attempt.
func (m *Manager) Deliveries(endpointID string) []Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Delivery
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		if endpointID == "" || m.deliveries[i].EndpointID == endpointID {
			out = append(out, m.deliveries[i])
		}
	}
	return out
}

func (m *Manager) record(d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	if over := len(m.deliveries) - m.logSize; over > 0 {
		m.deliveries = append(m.deliveries[:0], m.deliveries[over:]...)
	}
}

// eventMatches supports exact types, "*", "warning.*" and "*.dispensed".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (m *Manager) subscribers(eventType string) []Endpoint {
	var out []Endpoint
	for _, ep := range m.Endpoints() {
		if ep.Status != StatusActive {
			continue
		}
		for _, pat := range ep.Events {
			if eventMatches(pat, eventType) {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}

// NewEvent wraps payload in an Event stamped with a fresh id and time.
func NewEvent(typ string, medicineID int, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		MedicineID: medicineID,
		Payload:    data,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Enqueue hands the event to Run without blocking. It reports false when
// the queue is full and the event was dropped.
func (m *Manager) Enqueue(ev Event) bool {
	select {
	case m.queue <- ev:
		return true
	default:
		m.logger.Warn().Str("event", ev.Type).Msg("webhook queue full, event dropped")
		return false
	}
}

// Run delivers queued events until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			m.Deliver(ctx, ev)
		}
	}
}

// Deliver sends ev to every active subscribed endpoint, retrying each until
// it succeeds or the retries run out. It returns the final attempt per
// endpoint.
func (m *Manager) Deliver(ctx context.Context, ev Event) []Delivery {
	var results []Delivery
	for _, ep := range m.subscribers(ev.Type) {
		results = append(results, m.deliverWithRetry(ctx, ep, ev))
	}
	return results
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep Endpoint, ev Event) Delivery {
	d := m.DeliverTo(ctx, ep, ev, 1)
	for i, delay := range m.retryDelays {
		if d.Status == DeliverySuccess {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return d
		case <-t.C:
		}
		d = m.DeliverTo(ctx, ep, ev, i+2)
	}
	if d.Status != DeliverySuccess {
		m.logger.Warn().Str("endpoint", ep.ID).Str("event", ev.Type).Str("error", d.Error).Msg("webhook delivery gave up")
	}
	return d
}

// DeliverTo makes a single signed POST of ev to ep and logs the attempt.
func (m *Manager) DeliverTo(ctx context.Context, ep Endpoint, ev Event, attempt int) Delivery {
	d := Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Attempt:    attempt,
		Status:     DeliveryFailed,
		CreatedAt:  time.Now().UTC(),
	}
	defer func() { m.record(d) }()

	payload, err := json.Marshal(ev)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", d.CreatedAt.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	d.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = DeliverySuccess
	} else {
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return d
}

// Test sends a synthetic webhook.test event to one endpoint, without retry.
func (m *Manager) Test(ctx context.Context, id string) (Delivery, error) {
	ep, err := m.Endpoint(id)
	if err != nil {
		return Delivery{}, err
	}
	ev, err := NewEvent("webhook.test", 0, map[string]bool{"test": true})
	if err != nil {
		return Delivery{}, err
	}
	return m.DeliverTo(ctx, ep, ev, 1), nil
}
