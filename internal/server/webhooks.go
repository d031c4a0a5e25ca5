package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"studiocrm/internal/config"
	"studiocrm/internal/domain"
	"studiocrm/internal/engine"
)

const (
	webhookInterval = 2 * time.Second
	webhookTimeout  = 5 * time.Second
	webhookBatch    = 100
)

// hookState tracks delivery progress of one configured hook.
type hookState struct {
	cfg    config.WebhookConfig
	filter actionFilter
	client *http.Client
	cursor int64
}

type webhookDispatcher struct {
	engine engine.Engine
	studio string
	hooks  []*hookState
	logger *zap.Logger
}

// StartWebhooks pushes new history entries to the configured hooks until ctx
// is done. Delivery starts after the newest entry present at start; no hook
// starts when that entry cannot be read.
func StartWebhooks(ctx context.Context, e engine.Engine, logger *zap.Logger) error {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &webhookDispatcher{engine: e, studio: e.Config.Studio.ID, logger: logger.Named("webhooks")}
	latest, err := e.Repo.LatestHistoryID(ctx)
	if err != nil {
		return goerr.Wrap(err, "read webhook start cursor")
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			cfg:    hook,
			filter: newActionFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
			cursor: latest,
		})
	}
	if len(d.hooks) == 0 {
		return nil
	}
	d.logger.Info("webhook dispatcher started", zap.Int("hooks", len(d.hooks)), zap.Int64("cursor", latest))
	go d.run(ctx)
	return nil
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(webhookInterval)
	defer ticker.Stop()
	for {
		for _, h := range d.hooks {
			d.deliver(ctx, h)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deliver posts pending entries in order and stops at the first failure so
// the entry is retried on the next tick.
func (d *webhookDispatcher) deliver(ctx context.Context, h *hookState) {
	entries, err := d.engine.Repo.HistoryAfter(ctx, webhookBatch, h.cursor)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("fetch history failed", zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if h.filter.match(entry.ActionType) {
			if err := d.post(ctx, h, entry); err != nil {
				d.logger.Warn("delivery failed",
					zap.String("url", h.cfg.URL),
					zap.Int64("entry", entry.ID),
					zap.Error(err))
				return
			}
		}
		h.cursor = entry.ID
	}
}

type webhookBody struct {
	ID          int64           `json:"id"`
	Action      string          `json:"action"`
	StudioID    string          `json:"studio_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Description string          `json:"description"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, h *hookState, entry domain.HistoryEntry) error {
	payload := json.RawMessage("{}")
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	data, err := json.Marshal(webhookBody{
		ID:          entry.ID,
		Action:      entry.ActionType,
		StudioID:    d.studio,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		ActorID:     entry.ActorID,
		Description: entry.Description,
		TS:          entry.TS,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Studiocrm-Event", entry.ActionType)
	req.Header.Set("X-Studiocrm-Delivery", strconv.FormatInt(entry.ID, 10))
	req.Header.Set("X-Studiocrm-Studio", d.studio)
	if secret := strings.TrimSpace(h.cfg.Secret); secret != "" {
		req.Header.Set("X-Studiocrm-Secret", secret)
	}
	res, err := h.client.Do(req)
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

// actionFilter matches history action types. "card.*" matches every card action.
type actionFilter struct {
	exact    map[string]bool
	prefixes []string
}

func newActionFilter(actions []string) actionFilter {
	f := actionFilter{exact: map[string]bool{}}
	for _, a := range actions {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*":
			return actionFilter{}
		case strings.HasSuffix(a, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(a, "*"))
		default:
			f.exact[a] = true
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		return actionFilter{}
	}
	return f
}

func (f actionFilter) match(action string) bool {
	if f.exact == nil {
		return true
	}
	if f.exact[action] {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}
