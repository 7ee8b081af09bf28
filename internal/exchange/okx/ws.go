package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const publicWsURL = "wss://ws.okx.com:8443/ws/v5/public"

// TickerUpdate is a streamed last-price update.
type TickerUpdate struct {
	Symbol string
	Last   float64
	Ts     time.Time
}

// WS streams public ticker data over OKX's WebSocket API, reconnecting with
// exponential backoff on failure. It mirrors the resilience shape of a
// pooled, worker-dispatched exchange WS client: bounded message buffers,
// ping/pong liveness, and backoff-then-resubscribe on disconnect.
type WS struct {
	url string

	mu    sync.Mutex
	alive bool
}

// NewWS builds a WS client against the OKX public endpoint.
func NewWS() *WS {
	return &WS{url: publicWsURL}
}

// Alive reports whether the underlying connection is currently established.
func (w *WS) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// Stream subscribes to ticker updates for the given symbols and forwards
// them on out until ctx is cancelled. It reconnects with exponential
// backoff (capped at 30s) on any read/write error.
func (w *WS) Stream(ctx context.Context, symbols []string, out chan<- TickerUpdate, errs chan<- error) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.streamOnce(ctx, symbols, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case errs <- err:
			default:
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("okx ws stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

type subscribeMsg struct {
	Op   string        `json:"op"`
	Args []channelArgs `json:"args"`
}

type channelArgs struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type pushMsg struct {
	Arg  channelArgs       `json:"arg"`
	Data []json.RawMessage `json:"data"`
}

func (w *WS) streamOnce(ctx context.Context, symbols []string, out chan<- TickerUpdate) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	w.mu.Lock()
	w.alive = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.alive = false
		w.mu.Unlock()
	}()

	args := make([]channelArgs, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, channelArgs{Channel: "tickers", InstID: s})
	}
	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if string(data) == "pong" {
			continue
		}
		var msg pushMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // subscribe ack or malformed frame; ignore
		}
		if msg.Arg.Channel != "tickers" {
			continue
		}
		for _, raw := range msg.Data {
			var row struct {
				InstID string `json:"instId"`
				Last   string `json:"last"`
				Ts     string `json:"ts"`
			}
			if err := json.Unmarshal(raw, &row); err != nil {
				continue
			}
			select {
			case out <- TickerUpdate{Symbol: row.InstID, Last: parseFloat(row.Last, 0), Ts: tsFromMillis(row.Ts)}:
			default:
				log.Warn().Str("symbol", row.InstID).Msg("ticker channel full, dropping update")
			}
		}
	}
}
