// Package push delivers signed task status notifications to client
// webhooks. Each webhook is verified with a token challenge before it is
// stored.
package push

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/pkg/schema"
)

// Delivery results reported to OnResult.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultStale     = "stale"
	ResultRejected  = "rejected"
)

// NotificationTokenHeader carries the client-provided push token.
const NotificationTokenHeader = "X-A2A-Notification-Token"

// Config tunes a Notifier.
type Config struct {
	Client  *http.Client
	Retry   RetryPolicy
	Breaker BreakerConfig
	// ChallengeTimeout bounds the verification exchange.
	ChallengeTimeout time.Duration
	// Issuer is the URL of this sender's key set. Challenges carry it as iss
	// so receivers can check their signature.
	Issuer string
}

func DefaultConfig() Config {
	return Config{
		Client:           &http.Client{Timeout: 10 * time.Second},
		Retry:            DefaultRetryPolicy(),
		Breaker:          DefaultBreakerConfig(),
		ChallengeTimeout: 10 * time.Second,
	}
}

type target struct {
	mu   sync.Mutex // serializes deliveries for one task
	cfg  schema.PushNotificationConfig
	last time.Time
}

// Notifier keeps one verified push config per task id.
type Notifier struct {
	signer   *Signer
	verifier *Verifier
	config   Config
	breakers *breakers
	logger   *slog.Logger

	mu      sync.Mutex
	targets map[string]*target
	wg      sync.WaitGroup

	// OnResult observes every delivery outcome.
	OnResult func(result string)
}

func New(signer *Signer, config Config, logger *slog.Logger) *Notifier {
	if config.Client == nil {
		config.Client = DefaultConfig().Client
	}
	if config.ChallengeTimeout <= 0 {
		config.ChallengeTimeout = DefaultConfig().ChallengeTimeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 1
	}
	if config.Breaker.FailureThreshold <= 0 {
		config.Breaker = DefaultBreakerConfig()
	}
	return &Notifier{
		signer:   signer,
		verifier: NewVerifier(config.Client),
		config:   config,
		breakers: newBreakers(config.Breaker),
		logger:   logging.OrDefault(logger),
		targets:  make(map[string]*target),
	}
}

// JWKS is the key set served at JWKSPath.
func (n *Notifier) JWKS() schema.JWKSet { return n.signer.JWKS() }

// Issuer is the key set URL challenges are signed under.
func (n *Notifier) Issuer() string { return n.config.Issuer }

// SetConfig verifies cfg.URL with a challenge and stores it for taskID.
// A config that fails verification is rejected with INVALID_PARAMS and
// any previous config is kept.
func (n *Notifier) SetConfig(ctx context.Context, taskID string, cfg schema.PushNotificationConfig) error {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeInvalidParams, "invalid push url %q", cfg.URL).WithTask(taskID)
	}
	if err := n.challenge(ctx, cfg.URL); err != nil {
		n.report(ResultRejected)
		return schema.NewErrorf(schema.ErrCodeInvalidParams, "push url verification failed: %s", err).
			WithTask(taskID).
			WithCause(err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.targets[taskID]; ok {
		t.mu.Lock()
		t.cfg = cfg
		t.mu.Unlock()
		return nil
	}
	n.targets[taskID] = &target{cfg: cfg}
	return nil
}

// challenge sends a fresh signed nonce to endpoint and requires it back,
// signed by a key published at the endpoint's JWKS location.
func (n *Notifier) challenge(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.ChallengeTimeout)
	defer cancel()

	nonce := uuid.NewString()
	tok, err := n.signer.Sign(jwt.MapClaims{
		"nonce":   nonce,
		"aud":     endpoint,
		"purpose": challengePurpose,
		"exp":     time.Now().Add(n.config.ChallengeTimeout).Unix(),
		"iss":     n.config.Issuer,
	})
	if err != nil {
		return err
	}
	u, _ := url.Parse(endpoint)
	q := u.Query()
	q.Set(ChallengeParam, tok)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := n.config.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	var body challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode challenge response: %s", err)
	}

	jwksURL, err := JWKSURL(endpoint)
	if err != nil {
		return err
	}
	claims, err := n.verifier.Verify(ctx, jwksURL, body.Token)
	if err != nil {
		return err
	}
	if got, _ := claims["nonce"].(string); got != nonce {
		return schema.NewError(schema.ErrCodeValidation, "challenge nonce mismatch")
	}
	return nil
}

// Get returns the push config stored for taskID.
func (n *Notifier) Get(taskID string) (schema.PushNotificationConfig, bool) {
	n.mu.Lock()
	t, ok := n.targets[taskID]
	n.mu.Unlock()
	if !ok {
		return schema.PushNotificationConfig{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg, true
}

// Remove drops the config for taskID.
func (n *Notifier) Remove(taskID string) {
	n.mu.Lock()
	delete(n.targets, taskID)
	n.mu.Unlock()
}

// Dispatch delivers task in the background. Failures are logged.
func (n *Notifier) Dispatch(task schema.Task) {
	if !n.has(task.ID) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx := logging.WithTaskID(context.Background(), task.ID)
		if err := n.Notify(ctx, task); err != nil {
			logging.LogWith(ctx, n.logger).Warn("push notification failed", "state", task.Status.State, "error", err)
		}
	}()
}

// Wait blocks until background deliveries finish.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) has(taskID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.targets[taskID]
	return ok
}

// Notify posts the task to its push endpoint, retrying transient failures.
// Deliveries for one task are serialized, and a status older than the last
// delivered one is dropped so receivers observe monotone timestamps.
func (n *Notifier) Notify(ctx context.Context, task schema.Task) error {
	n.mu.Lock()
	t, ok := n.targets[task.ID]
	n.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	log := logging.LogWith(ctx, n.logger)
	if task.Status.Timestamp.Before(t.last) {
		n.report(ResultStale)
		log.Debug("stale push notification dropped", "timestamp", task.Status.Timestamp, "last", t.last)
		return nil
	}

	body, err := json.Marshal(task)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePush, "encode task: %s", err).WithTask(task.ID)
	}
	u, _ := url.Parse(t.cfg.URL)

	var lastErr error
	for attempt := 0; attempt < n.config.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, n.config.Retry.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		if err := n.breakers.allow(u.Host); err != nil {
			n.report(ResultFailed)
			return err
		}
		lastErr = n.post(ctx, t.cfg, task.ID, body)
		if lastErr == nil {
			n.breakers.success(u.Host)
			t.last = task.Status.Timestamp
			n.report(ResultDelivered)
			log.Debug("push notification delivered", "state", task.Status.State, "attempt", attempt+1)
			return nil
		}
		if state := n.breakers.failure(u.Host); state == CircuitOpen {
			log.Warn("push circuit opened", "host", u.Host)
		}
		if !IsRetryable(lastErr) {
			break
		}
	}
	n.report(ResultFailed)
	return schema.NewErrorf(schema.ErrCodePush, "deliver to %s: %s", u.Host, lastErr).
		WithTask(task.ID).
		WithCause(lastErr)
}

func (n *Notifier) post(ctx context.Context, cfg schema.PushNotificationConfig, taskID string, body []byte) error {
	sum := sha256.Sum256(body)
	tok, err := n.signer.Sign(jwt.MapClaims{
		"jti":                 uuid.NewString(),
		"task_id":             taskID,
		"request_body_sha256": hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePush, "sign notification: %s", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	if cfg.Token != "" {
		req.Header.Set(NotificationTokenHeader, cfg.Token)
	}
	resp, err := n.config.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// VerifyNotification checks a received notification: its bearer token must
// verify against jwksURL and its body hash must match.
func (v *Verifier) VerifyNotification(ctx context.Context, jwksURL string, r *http.Request, body []byte) error {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return schema.NewError(schema.ErrCodeValidation, "missing bearer token")
	}
	claims, err := v.Verify(ctx, jwksURL, auth[len(prefix):])
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	if got, _ := claims["request_body_sha256"].(string); got != hex.EncodeToString(sum[:]) {
		return schema.NewError(schema.ErrCodeValidation, "body hash mismatch")
	}
	return nil
}

func (n *Notifier) report(result string) {
	if n.OnResult != nil {
		n.OnResult(result)
	}
}
