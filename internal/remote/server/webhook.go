package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/kilupskalvis/gitview/internal/remote"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is
// configured.
const SignatureHeader = "X-Gitview-Signature"

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event          string `json:"event"`
	Repo           string `json:"repo"`
	View           string `json:"view"`
	Branch         string `json:"branch"`
	CommitID       string `json:"commit_id"`
	SourceCommitID string `json:"source_commit_id"`
	Timestamp      string `json:"timestamp"`
}

// WebhookConfig holds the webhook targets and delivery policy.
type WebhookConfig struct {
	URLs   []string
	Secret string
	Retry  *remote.RetryConfig
	// OnFailure is called for every URL whose delivery failed after all
	// retries.
	OnFailure func(url string, err error)
}

// WebhookNotifier sends HTTP POST notifications to configured webhook URLs.
type WebhookNotifier struct {
	config *WebhookConfig
	client *http.Client
	retry  *remote.Retrier
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy := remote.DefaultRetryConfig()
	if cfg.Retry != nil {
		cp := *cfg.Retry
		policy = &cp
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(op string, attempt int, wait time.Duration, err error) {
			logger.Debug("webhook: retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		}
	}
	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  remote.NewRetrier(policy),
		logger: logger,
	}
}

// NotifyPush sends an accepted push to all configured webhook URLs.
// Delivery is asynchronous.
func (wn *WebhookNotifier) NotifyPush(e *models.Event) {
	if wn == nil || e.Kind != models.EventPush || e.Status != models.StatusOK {
		return
	}

	event := &WebhookEvent{
		Event:          string(e.Kind),
		Repo:           e.Repo,
		View:           e.View,
		Branch:         e.Branch,
		CommitID:       e.NewTip,
		SourceCommitID: e.SourceTip,
		Timestamp:      e.Time.UTC().Format(time.RFC3339),
	}

	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.send(event)
	}()
}

// Wait blocks until all pending deliveries finished.
func (wn *WebhookNotifier) Wait() {
	if wn != nil {
		wn.wg.Wait()
	}
}

// send delivers the webhook event to all configured URLs.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, url := range wn.config.URLs {
		err := wn.retry.Do(ctx, "webhook "+url, func() error {
			return wn.post(ctx, url, data)
		})
		if err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "error", err)
			if wn.config.OnFailure != nil {
				wn.config.OnFailure(url, err)
			}
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST. Non-2xx answers become RemoteErrors so
// the retrier can tell transient failures apart.
func (wn *WebhookNotifier) post(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gitview-server/1.0")
	if wn.config.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(wn.config.Secret, data))
	}

	resp, err := wn.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return remote.ResponseError(resp, "webhook_failed")
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
