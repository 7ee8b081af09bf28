package trader

import (
	"github.com/rs/zerolog/log"

	"tradingbot/internal/exec"
	"tradingbot/internal/market"
)

// Observer receives lifecycle notifications from every symbol trader, the
// Go shape of the original bot's plugin hook surface (on_tick/on_trade/
// on_error/shutdown).
type Observer interface {
	OnTick(symbol string, frame *market.IndicatorFrame)
	OnTrade(symbol string, result exec.Result)
	OnError(symbol string, err error)
	Shutdown()
}

// ObserverList dispatches to a fixed set of observers synchronously,
// isolating each listener's panic or nothing-to-do from the others. There
// is no dynamic registration surface (the plugin directory discovery the
// original implementation used): observers are wired at startup in
// cmd/tradingbot/main.go.
type ObserverList []Observer

func (l ObserverList) OnTick(symbol string, frame *market.IndicatorFrame) {
	for _, o := range l {
		l.safe(func() { o.OnTick(symbol, frame) })
	}
}

func (l ObserverList) OnTrade(symbol string, result exec.Result) {
	for _, o := range l {
		l.safe(func() { o.OnTrade(symbol, result) })
	}
}

func (l ObserverList) OnError(symbol string, err error) {
	for _, o := range l {
		l.safe(func() { o.OnError(symbol, err) })
	}
}

func (l ObserverList) Shutdown() {
	for _, o := range l {
		l.safe(o.Shutdown)
	}
}

func (l ObserverList) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("observer hook panicked")
		}
	}()
	fn()
}
