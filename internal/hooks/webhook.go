package hooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agentchat/server/internal/circuitbreaker"
)

const maxDeliveryAttempts = 3

// WebhookDispatcher POSTs hook envelopes to a single operator endpoint
// through a background worker pool. Failed deliveries retry with quadratic
// backoff up to maxDeliveryAttempts, then drop. A circuit breaker skips
// deliveries entirely while the endpoint is down.
type WebhookDispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
	queue      chan *deliveryJob
	breaker    *circuitbreaker.Breaker
	logger     *log.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type deliveryJob struct {
	envelope *Envelope
	attempt  int
}

// NewWebhookDispatcher starts the worker pool. An empty secret disables
// payload signing.
func NewWebhookDispatcher(url, secret string, workers int) *WebhookDispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &WebhookDispatcher{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan *deliveryJob, 1000),
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  log.New(log.Writer(), "[HookDispatch] ", log.LstdFlags),
	}
	d.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		d.logger.Printf("endpoint breaker %s -> %s (%s)", from, to, d.url)
	})
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *WebhookDispatcher) Emit(event Event, data map[string]interface{}) {
	job := &deliveryJob{envelope: NewEnvelope(event, data), attempt: 1}
	select {
	case d.queue <- job:
	default:
		d.logger.Printf("queue full, dropping hook %s (%s)", job.envelope.ID, event)
	}
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *WebhookDispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.envelope)
	if err != nil {
		d.logger.Printf("failed to marshal hook envelope: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("failed to create hook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AgentChat-Event", string(job.envelope.Event))
	req.Header.Set("X-AgentChat-Event-ID", job.envelope.ID)
	req.Header.Set("X-AgentChat-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if d.secret != "" {
		req.Header.Set("X-AgentChat-Signature", "sha256="+SignPayload(payload, d.secret))
	}

	if !d.breaker.Allow() {
		d.logger.Printf("endpoint circuit open, dropping hook %s (%s)", job.envelope.ID, job.envelope.Event)
		return
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.breaker.RecordFailure()
		d.logger.Printf("hook delivery failed: %s -> %v", d.url, err)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.breaker.RecordFailure()
		d.logger.Printf("hook endpoint returned %d for %s", resp.StatusCode, job.envelope.Event)
		d.retry(job)
		return
	}
	d.breaker.RecordSuccess()
	d.logger.Printf("hook delivered: %s (%s)", job.envelope.Event, job.envelope.ID)
}

func (d *WebhookDispatcher) retry(job *deliveryJob) {
	if job.attempt >= maxDeliveryAttempts {
		d.logger.Printf("giving up on hook %s after %d attempts", job.envelope.ID, job.attempt)
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and stops the workers.
func (d *WebhookDispatcher) Shutdown() {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

// SignPayload creates an HMAC-SHA256 signature for endpoint verification.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
