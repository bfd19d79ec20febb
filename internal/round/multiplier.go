package round

import (
	"github.com/shopspring/decimal"
)

// classicMultipliers 经典模式按时长固定赔率
var classicMultipliers = map[int]decimal.Decimal{
	5:  decimal.RequireFromString("1.75"),
	10: decimal.RequireFromString("1.80"),
	15: decimal.RequireFromString("1.85"),
	30: decimal.RequireFromString("1.90"),
	60: decimal.RequireFromString("1.95"),
}

// ClassicMultiplier 不在表里的时长返回 false
func ClassicMultiplier(durationSec int) (decimal.Decimal, bool) {
	m, ok := classicMultipliers[durationSec]
	return m, ok
}

// Outcome 平价对两个方向都算输：UP 需要 exit > entry，DOWN 需要 exit < entry
func Outcome(direction string, entry, exit decimal.Decimal) bool {
	switch direction {
	case DirectionUp:
		return exit.GreaterThan(entry)
	case DirectionDown:
		return exit.LessThan(entry)
	}
	return false
}

// Payout 输了为 0
func Payout(amount, multiplier decimal.Decimal, won bool) decimal.Decimal {
	if !won {
		return decimal.Zero
	}
	return amount.Mul(multiplier)
}
