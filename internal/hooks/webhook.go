package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// WebhookRegistration is a registered outbound subscriber (§4.2).
type WebhookRegistration struct {
	ID     string
	URL    string
	Secret string
	Topics []string
}

// DeadLetter is a delivery that exhausted its retry budget.
type DeadLetter struct {
	WebhookID string    `json:"webhook_id"`
	Envelope  Envelope  `json:"envelope"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

const deadLetterCap = 1000

// webhookManager owns registrations and delivery/retry/dead-letter state.
type webhookManager struct {
	bus *Bus

	client *http.Client

	mu   sync.RWMutex
	regs map[string]*WebhookRegistration

	dlMu       sync.Mutex
	deadLetter []DeadLetter
}

func newWebhookManager(bus *Bus) *webhookManager {
	return &webhookManager{
		bus:    bus,
		client: &http.Client{Timeout: 60 * time.Second},
		regs:   make(map[string]*WebhookRegistration),
	}
}

// RegisterWebhook adds an outbound subscriber and returns its ID.
func (b *Bus) RegisterWebhook(url, secret string, topics []string) *WebhookRegistration {
	reg := &WebhookRegistration{
		ID:     uuid.NewString(),
		URL:    url,
		Secret: secret,
		Topics: append([]string(nil), topics...),
	}
	b.webhooks.mu.Lock()
	b.webhooks.regs[reg.ID] = reg
	b.webhooks.mu.Unlock()
	return reg
}

// UnregisterWebhook removes a registered webhook by ID.
func (b *Bus) UnregisterWebhook(id string) bool {
	b.webhooks.mu.Lock()
	defer b.webhooks.mu.Unlock()
	if _, ok := b.webhooks.regs[id]; !ok {
		return false
	}
	delete(b.webhooks.regs, id)
	return true
}

// DeadLetters returns a snapshot of the dead-letter ring.
func (b *Bus) DeadLetters() []DeadLetter {
	b.webhooks.dlMu.Lock()
	defer b.webhooks.dlMu.Unlock()
	out := make([]DeadLetter, len(b.webhooks.deadLetter))
	copy(out, b.webhooks.deadLetter)
	return out
}

func (w *webhookManager) matching(event string) []*WebhookRegistration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*WebhookRegistration
	for _, r := range w.regs {
		if len(r.Topics) == 0 {
			out = append(out, r)
			continue
		}
		for _, t := range r.Topics {
			if t == event {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// dispatch fires off a delivery goroutine per matching webhook. Each
// delivery retries independently with exponential backoff, max 5 attempts,
// then lands in the dead-letter ring (§4.2, §7).
func (w *webhookManager) dispatch(env Envelope) {
	for _, reg := range w.matching(env.Event) {
		go w.deliver(reg, env)
	}
}

// maxWebhookAttempts matches §4.2/§7: "max 5 attempts, then move to
// dead-letter ring".
const maxWebhookAttempts = 5

func (w *webhookManager) deliver(reg *WebhookRegistration, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		w.deadLetterAppend(reg.ID, env, fmt.Errorf("marshal envelope: %w", err))
		return
	}

	op := func() (struct{}, error) {
		if err := w.post(reg, env, body); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxWebhookAttempts),
	)
	if err != nil {
		w.deadLetterAppend(reg.ID, env, err)
	}
}

// post performs a single signed delivery attempt.
func (w *webhookManager) post(reg *WebhookRegistration, env Envelope, body []byte) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signPayload(reg.Secret, ts, body)

	req, err := http.NewRequest(http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ComfyVN-Timestamp", ts)
	req.Header.Set("X-ComfyVN-Signature", sig)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors are not retried; treat as a permanent failure.
		return backoff.Permanent(fmt.Errorf("client error: %d", resp.StatusCode))
	}
	return nil
}

func (w *webhookManager) deadLetterAppend(webhookID string, env Envelope, err error) {
	w.dlMu.Lock()
	defer w.dlMu.Unlock()
	w.deadLetter = append(w.deadLetter, DeadLetter{
		WebhookID: webhookID,
		Envelope:  env,
		Error:     err.Error(),
		At:        time.Now().UTC(),
	})
	if len(w.deadLetter) > deadLetterCap {
		w.deadLetter = w.deadLetter[len(w.deadLetter)-deadLetterCap:]
	}
}

// signPayload computes the HMAC-SHA256 signature over timestamp+"."+body,
// matching the §4.2 requirement of signing "body+timestamp".
func signPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC and compares it in constant time;
// exposed for webhook receivers that check incoming deliveries.
func VerifySignature(secret, timestamp, signature string, body []byte) bool {
	expected := signPayload(secret, timestamp, body)
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(signature)))
}
