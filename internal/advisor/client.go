package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"tradingbot/internal/common"
)

const (
	callTimeout = 30 * time.Second
	maxRetries  = 2
)

// Client calls a chat-completion style LLM endpoint (OpenAI-compatible, as
// Deepseek's API is) and parses its response into a Decision (spec §4.7).
type Client struct {
	http    *resty.Client
	baseURL string
	model   string
}

// NewClient builds an advisor Client against an OpenAI-compatible
// chat-completions endpoint.
func NewClient(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	if model == "" {
		model = "deepseek-chat"
	}
	h := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(callTimeout).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Content-Type", "application/json")
	return &Client{http: h, baseURL: baseURL, model: model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Decide builds the prompt from ctx, calls the advisor with up to maxRetries
// retries on transport or parse failure, and parses the JSON decision. When
// all retries are exhausted it returns a nil Decision with a *common.AIError;
// the caller then skips the Execution Guard for that tick, so the position is
// held (spec §4.7, §5: the advisor is never allowed to block the control loop).
func (c *Client) Decide(ctx context.Context, promptCtx PromptContext) (*Decision, error) {
	prompt := BuildPrompt(promptCtx)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().Err(lastErr).Int("attempt", attempt).Str("symbol", promptCtx.Symbol).Msg("advisor retry")
		}
		text, err := c.call(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		decision, perr := parseDecision(text)
		if perr != nil {
			lastErr = perr
			continue
		}
		return decision, nil
	}

	log.Error().Err(lastErr).Str("symbol", promptCtx.Symbol).Msg("advisor exhausted retries, defaulting to hold")
	return nil, &common.AIError{Op: "decide", Err: lastErr}
}

func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", &common.APIConnectionError{Op: "advisor.chat", Err: err}
	}
	if resp.IsError() {
		return "", &common.APIResponseError{Op: "advisor.chat", Code: fmt.Sprintf("%d", resp.StatusCode()), Message: resp.String()}
	}
	if len(out.Choices) == 0 {
		return "", &common.APIResponseError{Op: "advisor.chat", Code: "empty", Message: "no choices returned"}
	}
	return out.Choices[0].Message.Content, nil
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

type rawDecision struct {
	Signal     string      `json:"signal"`
	Confidence string      `json:"confidence"`
	Amount     json.Number `json:"amount"`
	StopLoss   json.Number `json:"stop_loss"`
	TakeProfit json.Number `json:"take_profit"`
	Reason     string      `json:"reason"`
}

// parseDecision extracts the first {...} block from the advisor's reply
// (tolerating surrounding prose or markdown fences) and coerces it into a
// Decision.
func parseDecision(text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	block := jsonBlockRe.FindString(text)
	if block == "" {
		return nil, &common.AIError{Op: "parseDecision", Err: fmt.Errorf("no JSON object found in advisor reply")}
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil, &common.AIError{Op: "parseDecision", Err: err}
	}

	amount, _ := raw.Amount.Float64()
	sl, _ := raw.StopLoss.Float64()
	tp, _ := raw.TakeProfit.Float64()

	return &Decision{
		Signal:     parseSignal(strings.ToUpper(strings.TrimSpace(raw.Signal))),
		Confidence: parseConfidence(strings.ToUpper(strings.TrimSpace(raw.Confidence))),
		Amount:     amount,
		StopLoss:   sl,
		TakeProfit: tp,
		Reason:     raw.Reason,
		Summary:    raw.Reason,
	}, nil
}
