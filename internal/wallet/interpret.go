package wallet

import "strings"

// Interpretation classifies a raw failure message from the authoritative
// ledger or the run queue.
type Interpretation struct {
	Message           string
	InsufficientFunds bool
}

// interpretRule maps substring patterns to a classified outcome. Rules are
// evaluated in order and the first match wins; messages can match several
// patterns, so the order carries meaning.
type interpretRule struct {
	patterns     []string
	message      string // empty keeps the original message
	insufficient bool
}

var interpretRules = []interpretRule{
	{
		patterns: []string{"not initialized", "uninitialized", "missing contract", "contract not found"},
		message:  "wallet contract is not initialized; check the deployment configuration",
	},
	{
		patterns:     []string{"insufficient balance", "insufficient funds", "balance too low"},
		insufficient: true,
	},
	{
		patterns: []string{"connection refused", "network unreachable", "no such host", "timeout", "timed out", "unreachable"},
		message:  "network is unreachable; check connectivity and retry",
	},
}

// Interpret maps an opaque failure message into a fixed taxonomy. Unmatched
// messages pass through unmodified.
func Interpret(message string) Interpretation {
	lowered := strings.ToLower(message)
	for _, rule := range interpretRules {
		for _, pattern := range rule.patterns {
			if !strings.Contains(lowered, pattern) {
				continue
			}
			out := Interpretation{Message: message, InsufficientFunds: rule.insufficient}
			if rule.message != "" {
				out.Message = rule.message
			}
			return out
		}
	}
	return Interpretation{Message: message}
}
