// Package notify sends webhook alerts for trade events and risk breaches
// (spec §6), auto-detecting the payload shape the configured webhook
// host expects (Lark/Feishu card, Dingtalk text, or a generic {text}
// body) and rate-limiting by title so a flapping condition cannot spam
// the channel.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const requestTimeout = 10 * time.Second

// Notifier posts webhook alerts with a per-title cooldown.
type Notifier struct {
	http     *resty.Client
	webhook  string
	enabled  bool
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a Notifier. If webhook is empty, Send becomes a no-op
// (spec's NotifyEnabled toggle covers the common case of disabling
// alerts outright rather than configuring an empty URL).
func New(webhook string, enabled bool, cooldown time.Duration) *Notifier {
	return &Notifier{
		http:     resty.New().SetTimeout(requestTimeout),
		webhook:  webhook,
		enabled:  enabled && webhook != "",
		cooldown: cooldown,
		lastSent: map[string]time.Time{},
	}
}

// Send posts title/body to the configured webhook, skipping the call
// entirely if the same title was sent within the cooldown window.
func (n *Notifier) Send(ctx context.Context, title, body string) {
	if !n.enabled {
		return
	}

	n.mu.Lock()
	if last, ok := n.lastSent[title]; ok && time.Since(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[title] = time.Now()
	n.mu.Unlock()

	payload := buildPayload(n.webhook, title, body)
	resp, err := n.http.R().SetContext(ctx).SetBody(payload).Post(n.webhook)
	if err != nil {
		log.Warn().Err(err).Str("title", title).Msg("notify: webhook post failed")
		return
	}
	if resp.IsError() {
		log.Warn().Int("status", resp.StatusCode()).Str("title", title).Msg("notify: webhook returned error status")
	}
}

// buildPayload picks a payload shape from the webhook host, since Lark,
// Dingtalk, and everything else each expect a different envelope around
// the same title/body pair.
func buildPayload(webhook, title, body string) map[string]interface{} {
	switch {
	case strings.Contains(webhook, "larksuite.com") || strings.Contains(webhook, "feishu.cn"):
		return map[string]interface{}{
			"msg_type": "interactive",
			"card": map[string]interface{}{
				"header": map[string]interface{}{
					"title": map[string]interface{}{"tag": "plain_text", "content": title},
				},
				"elements": []map[string]interface{}{
					{"tag": "div", "text": map[string]interface{}{"tag": "lark_md", "content": body}},
				},
			},
		}
	case strings.Contains(webhook, "dingtalk.com"):
		return map[string]interface{}{
			"msgtype": "text",
			"text":    map[string]interface{}{"content": fmt.Sprintf("%s\n%s", title, body)},
		}
	default:
		return map[string]interface{}{
			"text": fmt.Sprintf("%s\n%s", title, body),
		}
	}
}
