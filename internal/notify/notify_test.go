package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func captureServer(t *testing.T, captured *map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		*captured = body
		w.WriteHeader(http.StatusOK)
	}))
}

func TestSend_DisabledIsNoop(t *testing.T) {
	var captured map[string]interface{}
	srv := captureServer(t, &captured)
	defer srv.Close()

	n := New(srv.URL, false, time.Minute)
	n.Send(context.Background(), "title", "body")

	require.Nil(t, captured)
}

func TestSend_EmptyWebhookIsNoopEvenIfEnabled(t *testing.T) {
	n := New("", true, time.Minute)
	require.NotPanics(t, func() {
		n.Send(context.Background(), "title", "body")
	})
}

func TestSend_GenericWebhookPostsTextPayload(t *testing.T) {
	var captured map[string]interface{}
	srv := captureServer(t, &captured)
	defer srv.Close()

	n := New(srv.URL, true, time.Minute)
	n.Send(context.Background(), "Hard Stop", "BTC-USDT-SWAP breached max loss")

	require.Contains(t, captured["text"], "Hard Stop")
	require.Contains(t, captured["text"], "BTC-USDT-SWAP breached max loss")
}

func TestSend_DingtalkWebhookUsesTextEnvelope(t *testing.T) {
	payload := buildPayload("https://oapi.dingtalk.com/robot/send?access_token=x", "Hard Stop", "breach")
	require.Equal(t, "text", payload["msgtype"])
	content := payload["text"].(map[string]interface{})["content"].(string)
	require.Contains(t, content, "Hard Stop")
	require.Contains(t, content, "breach")
}

func TestSend_LarkWebhookUsesInteractiveCard(t *testing.T) {
	payload := buildPayload("https://open.larksuite.com/open-apis/bot/v2/hook/abc", "Hard Stop", "breach")
	require.Equal(t, "interactive", payload["msg_type"])
	card := payload["card"].(map[string]interface{})
	header := card["header"].(map[string]interface{})
	title := header["title"].(map[string]interface{})
	require.Equal(t, "Hard Stop", title["content"])
}

func TestSend_FeishuHostAlsoUsesInteractiveCard(t *testing.T) {
	payload := buildPayload("https://open.feishu.cn/open-apis/bot/v2/hook/abc", "t", "b")
	require.Equal(t, "interactive", payload["msg_type"])
}

func TestSend_CooldownSuppressesRepeatedTitleWithinWindow(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, true, time.Hour)
	n.Send(context.Background(), "Hard Stop", "first")
	n.Send(context.Background(), "Hard Stop", "second")

	require.Equal(t, 1, calls)
}

func TestSend_DifferentTitlesAreNotThrottledTogether(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, true, time.Hour)
	n.Send(context.Background(), "Hard Stop", "a")
	n.Send(context.Background(), "Daily Drawdown", "b")

	require.Equal(t, 2, calls)
}
