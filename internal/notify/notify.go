// Copyright 2025 James Ross
// Package notify implements the single Notify(event) hook: a thin
// webhook-plus-NATS fan-out over whichever sinks are configured.
// Subscription management, filters and per-sink health tracking are
// deliberately not reproduced here; this is one narrow seam, not a
// general notification system. The server builds a Hook at boot, but
// no code in the job pipeline or HTTP surface calls Notify.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// Event is the payload handed to Notify; callers construct it from an
// eventhub.Event without this package needing to import eventhub.
type Event struct {
	JobID     string         `json:"job_id"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Sink delivers one Event; Notify fans out to every configured sink
// and logs (but does not retry) individual failures, matching the
// teacher's webhook subscriber's "best-effort, log and move on" shape
// without its retry/backoff/dead-letter machinery, which is out of
// scope here.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Hook composes whichever sinks are configured.
type Hook struct {
	sinks []Sink
	log   *zap.Logger
}

func New(cfg config.Notify, log *zap.Logger) *Hook {
	h := &Hook{log: log}
	if cfg.WebhookURL != "" {
		h.sinks = append(h.sinks, &webhookSink{url: cfg.WebhookURL, secret: cfg.WebhookSecret, client: &http.Client{Timeout: 5 * time.Second}})
	}
	if cfg.NATSURL != "" {
		if nc, err := nats.Connect(cfg.NATSURL); err != nil {
			log.Warn("notify: nats connect failed, nats sink disabled", obs.Err(err))
		} else {
			h.sinks = append(h.sinks, &natsSink{conn: nc, subject: "dubcast.events"})
		}
	}
	return h
}

// Notify delivers ev to every configured sink, independently, logging
// per-sink failures without letting one sink's error affect another's.
func (h *Hook) Notify(ctx context.Context, ev Event) {
	for _, s := range h.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			h.log.Warn("notify: sink delivery failed", obs.String("job_id", ev.JobID), obs.Err(err))
		}
	}
}

type webhookSink struct {
	url    string
	secret string
	client *http.Client
}

// Deliver HMAC-signs the JSON body the same way the teacher's
// WebhookSubscriber does, in an X-Webhook-Signature header.
func (w *webhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", ev.Kind)
	req.Header.Set("X-Webhook-Job-ID", ev.JobID)
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type natsSink struct {
	conn    *nats.Conn
	subject string
}

func (n *natsSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject, body)
}
