// Package dashboard serves the read-only live view of the bot's Global
// Risk Manager and per-symbol trader state (spec §6.1): an HTML page, a
// JSON snapshot endpoint, and a WebSocket stream for push updates.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tradingbot/internal/risk"
	"tradingbot/internal/scheduler"
)

// DataSource is the narrow scheduler surface the dashboard needs.
// *scheduler.Scheduler satisfies it structurally.
type DataSource interface {
	Snapshot() []scheduler.SymbolSnapshot
	LastTickResult() risk.TickResult
}

// Snapshot is the JSON/WebSocket payload shape (spec §6.1).
type Snapshot struct {
	Timestamp             time.Time                  `json:"timestamp"`
	Equity                float64                    `json:"equity"`
	AdjustedEquity        float64                    `json:"adjustedEquity"`
	Pnl                   float64                    `json:"pnl"`
	GlobalRiskFactor      float64                    `json:"globalRiskFactor"`
	DailyDrawdownBreached bool                        `json:"dailyDrawdownBreached"`
	HardStopBreached      bool                        `json:"hardStopBreached"`
	HardTakeProfitBreached bool                       `json:"hardTakeProfitBreached"`
	Symbols               []scheduler.SymbolSnapshot `json:"symbols"`
}

// Dashboard serves the HTTP/WebSocket live view.
type Dashboard struct {
	source DataSource
	server *http.Server

	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	clientMu sync.RWMutex

	broadcast chan Snapshot
	stop      chan struct{}

	mu        sync.Mutex
	isRunning bool
}

// New builds a Dashboard bound to source, listening on port when Start
// is called.
func New(source DataSource, port int) *Dashboard {
	d := &Dashboard{
		source:    source,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Snapshot, 16),
		stop:      make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", d.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", d.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/ws", d.handleWebSocket).Methods(http.MethodGet)

	d.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return d
}

// Start begins serving and broadcasting snapshots every second.
func (d *Dashboard) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return fmt.Errorf("dashboard already running")
	}

	go d.collector()
	go d.broadcaster()
	go func() {
		log.Info().Str("address", d.server.Addr).Msg("dashboard listening")
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("dashboard server failed")
		}
	}()

	d.isRunning = true
	return nil
}

// Stop shuts the dashboard down gracefully.
func (d *Dashboard) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isRunning {
		return nil
	}
	close(d.stop)

	d.clientMu.Lock()
	for c := range d.clients {
		c.Close()
	}
	d.clients = make(map[*websocket.Conn]bool)
	d.clientMu.Unlock()

	d.isRunning = false
	return d.server.Shutdown(ctx)
}

func (d *Dashboard) collector() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case d.broadcast <- d.collect():
			default:
			}
		case <-d.stop:
			return
		}
	}
}

func (d *Dashboard) broadcaster() {
	for {
		select {
		case snap := <-d.broadcast:
			d.pushToClients(snap)
		case <-d.stop:
			return
		}
	}
}

func (d *Dashboard) collect() Snapshot {
	result := d.source.LastTickResult()
	return Snapshot{
		Timestamp:              time.Now(),
		Equity:                 result.Equity,
		AdjustedEquity:         result.AdjustedEquity,
		Pnl:                    result.Pnl,
		GlobalRiskFactor:       result.GlobalRiskFactor,
		DailyDrawdownBreached:  result.DailyDrawdownBreached,
		HardStopBreached:       result.HardStopBreached,
		HardTakeProfitBreached: result.HardTakeProfitBreached,
		Symbols:                d.source.Snapshot(),
	}
}

func (d *Dashboard) pushToClients(snap Snapshot) {
	d.clientMu.RLock()
	defer d.clientMu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("dashboard: marshal snapshot failed")
		return
	}
	for c := range d.clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(d.clients, c)
		}
	}
}

func (d *Dashboard) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.collect())
}

func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("dashboard: websocket upgrade failed")
		return
	}
	defer conn.Close()

	d.clientMu.Lock()
	d.clients[conn] = true
	d.clientMu.Unlock()

	if data, err := json.Marshal(d.collect()); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	d.clientMu.Lock()
	delete(d.clients, conn)
	d.clientMu.Unlock()
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head>
  <title>Trading Bot - Risk Dashboard</title>
  <meta charset="UTF-8">
  <style>
    body { font-family: sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(280px, 1fr)); gap: 16px; }
    .card { background: white; border-radius: 8px; padding: 16px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
    table { width: 100%; border-collapse: collapse; }
    td, th { text-align: left; padding: 6px; border-bottom: 1px solid #eee; }
  </style>
</head>
<body>
  <h1>Risk Dashboard</h1>
  <div class="grid">
    <div class="card">
      <h3>Equity</h3>
      <div id="equity">--</div>
      <div id="riskFactor">--</div>
    </div>
    <div class="card">
      <h3>Symbols</h3>
      <table id="symbols"><thead><tr><th>Symbol</th><th>State</th><th>Stop Loss</th></tr></thead><tbody></tbody></table>
    </div>
  </div>
  <script>
    const ws = new WebSocket('ws://' + location.host + '/ws');
    ws.onmessage = function(event) {
      const data = JSON.parse(event.data);
      document.getElementById('equity').textContent = 'Equity: $' + data.equity.toFixed(2);
      document.getElementById('riskFactor').textContent = 'Global Risk Factor: ' + data.globalRiskFactor.toFixed(2);
      const tbody = document.querySelector('#symbols tbody');
      tbody.innerHTML = '';
      (data.symbols || []).forEach(function(s) {
        const row = document.createElement('tr');
        row.innerHTML = '<td>' + s.Symbol + '</td><td>' + s.State + '</td><td>' + s.StopLoss + '</td>';
        tbody.appendChild(row);
      });
    };
    ws.onclose = function() { setTimeout(function() { location.reload(); }, 5000); };
  </script>
</body>
</html>`

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	tmpl, err := template.New("dashboard").Parse(indexTemplate)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	tmpl.Execute(w, nil)
}
