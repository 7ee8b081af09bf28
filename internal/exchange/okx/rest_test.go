package okx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSign_Deterministic(t *testing.T) {
	a := sign("secret", "2026-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance", "")
	b := sign("secret", "2026-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance", "")
	require.Equal(t, a, b)

	c := sign("other-secret", "2026-01-01T00:00:00.000Z", "GET", "/api/v5/account/balance", "")
	require.NotEqual(t, a, c)
}

func TestToOKXBar(t *testing.T) {
	require.Equal(t, "1H", toOKXBar("1h"))
	require.Equal(t, "1D", toOKXBar("1d"))
	require.Equal(t, "5m", toOKXBar("5m"))
	require.Equal(t, "1m", toOKXBar("unknown"))
}

func TestMapBillType(t *testing.T) {
	require.Equal(t, "deposit", mapBillType("1"))
	require.Equal(t, "withdrawal", mapBillType("2"))
	require.Equal(t, "transfer", mapBillType("13"))
	require.Equal(t, "trade", mapBillType("8"))
}

func TestParseFloat(t *testing.T) {
	require.Equal(t, 1.5, parseFloat("1.5", 0))
	require.Equal(t, 9.0, parseFloat("", 9))
	require.Equal(t, 9.0, parseFloat("nope", 9))
}
