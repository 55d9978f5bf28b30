package evm

import (
	"context"
	"errors"
	"strings"
)

// IsRangeTooLarge reports whether a provider rejected eth_getLogs because the
// block range or result set was too big. Providers phrase this differently,
// so it is matched on message text.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"query returned more than",
		"block range",
		"range too large",
		"too many results",
		"response size exceeded",
		"log response size",
		"maximum block range",
		"is limited to",
		"query timeout exceeded",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsExecutionReverted reports whether an eth_call failed inside the EVM
// rather than at the transport.
func IsExecutionReverted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "out of gas")
}

// ClassifyRPCError buckets an RPC error for metrics labels.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case IsExecutionReverted(err):
		return "reverted"
	case IsRangeTooLarge(err):
		return "range_too_large"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}
