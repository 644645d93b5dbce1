package syncer

const fallbackReason = "System error"

// mapCancelReason maps an on-chain revert string to the human-readable
// cancellation reason the trading frontend shows. Matched on the exact
// contract message text; an unmapped string falls through to
// fallbackReason (classification gap, not an error).
func mapCancelReason(onchain string) string {
	switch onchain {
	case "Router: Insufficient pool balance", "Pool: Not enough liquidity":
		return "Insufficient pool liquidity"
	case "Router: Slippage limit exceeds":
		return "Price moved beyond slippage tolerance"
	case "Router: Wrong price":
		return "Quoted price expired"
	case "Router: Signature already used":
		return "Duplicate order signature"
	case "Router: Signature expired":
		return "Order signature expired"
	case "Router: Trade size below minimum":
		return "Trade size below minimum"
	case "Router: Trade size above maximum":
		return "Trade size above maximum"
	case "Pool: Max pool exposure reached":
		return "Pool exposure limit reached"
	case "Options: Asset is not active":
		return "Market is paused"
	case "Options: Strike out of bounds":
		return "Strike out of allowed range"
	case "ERC20: transfer amount exceeds balance":
		return "Insufficient wallet balance"
	case "ERC20: insufficient allowance":
		return "Token allowance too low"
	}
	return fallbackReason
}

// isRetryableUnlock reports whether a FailUnlock revert string is worth
// retrying with a fresh transaction; everything else cancels the trade.
func isRetryableUnlock(reason string) bool {
	switch reason {
	case "Router: Transaction underpriced",
		"Router: Nonce too low",
		"Pool: Unlock temporarily locked",
		"ERC20: insufficient allowance":
		return true
	}
	return false
}
