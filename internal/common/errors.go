package common

import "fmt"

// APIConnectionError wraps transport-level failures talking to the exchange
// or advisor (timeouts, DNS, connection reset).
type APIConnectionError struct {
	Op  string
	Err error
}

func (e *APIConnectionError) Error() string {
	return fmt.Sprintf("api connection error during %s: %v", e.Op, e.Err)
}

func (e *APIConnectionError) Unwrap() error { return e.Err }

// APIResponseError wraps a well-formed but unsuccessful exchange response
// (non-2xx, or an embedded error code in a 200 body).
type APIResponseError struct {
	Op      string
	Code    string
	Message string
}

func (e *APIResponseError) Error() string {
	return fmt.Sprintf("api response error during %s: code=%s msg=%s", e.Op, e.Code, e.Message)
}

// TradingError covers order-side business rule violations (min notional,
// insufficient balance, invalid side).
type TradingError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *TradingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("trading error [%s]: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("trading error [%s]: %s", e.Symbol, e.Reason)
}

func (e *TradingError) Unwrap() error { return e.Err }

// RiskManagementError covers violations surfaced by the global or per-symbol
// risk layers (drawdown breach, exposure limit, circuit breaker active).
type RiskManagementError struct {
	Symbol string
	Reason string
}

func (e *RiskManagementError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("risk management error: %s", e.Reason)
	}
	return fmt.Sprintf("risk management error [%s]: %s", e.Symbol, e.Reason)
}

// DataProcessingError covers indicator/candle pipeline failures (bad OHLCV,
// merge/normalize failures).
type DataProcessingError struct {
	Symbol string
	Stage  string
	Err    error
}

func (e *DataProcessingError) Error() string {
	return fmt.Sprintf("data processing error [%s/%s]: %v", e.Symbol, e.Stage, e.Err)
}

func (e *DataProcessingError) Unwrap() error { return e.Err }

// AIError covers advisor request/response/parse failures.
type AIError struct {
	Op  string
	Err error
}

func (e *AIError) Error() string {
	return fmt.Sprintf("advisor error during %s: %v", e.Op, e.Err)
}

func (e *AIError) Unwrap() error { return e.Err }

// ConfigError covers config file/env validation failures.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error [%s]: %s", e.Field, e.Reason)
}
