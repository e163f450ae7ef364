package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"autopilot/internal/config"
	"autopilot/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Notifier posts recorded runs to the configured webhooks. Deliveries run in
// the background; failures are logged and dropped.
type Notifier struct {
	Hooks  []config.WebhookConfig
	Logger *slog.Logger
	client *http.Client
	wg     sync.WaitGroup
}

func NewNotifier(hooks []config.WebhookConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{Hooks: hooks, Logger: logger, client: &http.Client{Timeout: defaultWebhookTimeout}}
}

type webhookEvent struct {
	Type string     `json:"type"`
	TS   string     `json:"ts"`
	Run  domain.Run `json:"run"`
}

func (n *Notifier) RunRecorded(_ context.Context, evtType string, run domain.Run) {
	for _, hook := range n.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" || !newEventFilter(hook.Events).match(evtType) {
			continue
		}
		n.wg.Add(1)
		go func(hook config.WebhookConfig) {
			defer n.wg.Done()
			// Delivery outlives the request that produced the run.
			if err := n.post(context.Background(), hook, evtType, run); err != nil {
				n.Logger.Warn("webhook delivery failed", "url", hook.URL, "event", evtType, "run", run.ID, "err", err)
			}
		}(hook)
	}
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, evtType string, run domain.Run) error {
	data, err := json.Marshal(webhookEvent{Type: evtType, TS: time.Now().UTC().Format(time.RFC3339), Run: run})
	if err != nil {
		return err
	}
	client := n.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Autopilot-Event", evtType)
	req.Header.Set("X-Autopilot-Delivery", run.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Autopilot-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
