package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradingbot/internal/risk"
)

// PnlWriter appends one row per Global Risk Manager tick to
// data/pnl_history.csv (spec §6), giving a durable equity curve that
// survives a restart without re-reading the exchange ledger.
type PnlWriter struct {
	mu   sync.Mutex
	path string
}

// NewPnlWriter returns a writer rooted at dataPath, creating the CSV
// header if the file does not already exist.
func NewPnlWriter(dataPath string) (*PnlWriter, error) {
	w := &PnlWriter{path: filepath.Join(dataPath, "pnl_history.csv")}
	if _, err := os.Stat(w.path); os.IsNotExist(err) {
		if err := os.MkdirAll(dataPath, 0o755); err != nil {
			return nil, err
		}
		f, err := os.Create(w.path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		cw := csv.NewWriter(f)
		if err := cw.Write([]string{"timestamp", "equity", "adjusted_equity", "pnl", "global_risk_factor"}); err != nil {
			return nil, err
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Append records one TickResult as a CSV row.
func (w *PnlWriter) Append(ts time.Time, result risk.TickResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open pnl history: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	row := []string{
		ts.UTC().Format(time.RFC3339),
		fmt.Sprintf("%.8f", result.Equity),
		fmt.Sprintf("%.8f", result.AdjustedEquity),
		fmt.Sprintf("%.8f", result.Pnl),
		fmt.Sprintf("%.6f", result.GlobalRiskFactor),
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
