// Package pricing converts vendor usage into USD cost and USD into credits.
// All functions are pure.
package pricing

import "math"

const (
	usdPrecision = 1e6
	// epsilon absorbs float noise such as 0.30000000000000004 before rounding
	// to tenths.
	epsilon = 1e-9
	// MinCredits is the smallest chargeable amount.
	MinCredits = 0.1
)

// RoundUSD rounds half away from zero at 6 decimal places.
func RoundUSD(x float64) float64 {
	return math.Round(x*usdPrecision) / usdPrecision
}

// RoundTenth rounds to the nearest 0.1.
func RoundTenth(x float64) float64 {
	if x >= 0 {
		return math.Floor(x*10+0.5+epsilon) / 10
	}
	return -math.Floor(-x*10+0.5+epsilon) / 10
}

// CeilTenth rounds up to the next 0.1.
func CeilTenth(x float64) float64 {
	return math.Ceil(x*10-epsilon) / 10
}

// AudioCost prices seconds of audio at pricePerMinute, billing at least
// minBillableSeconds. Zero or negative duration costs nothing.
func AudioCost(seconds, pricePerMinute, minBillableSeconds float64) float64 {
	if seconds <= 0 || pricePerMinute <= 0 {
		return 0
	}
	billable := math.Max(seconds, minBillableSeconds)
	return RoundUSD(billable / 60 * pricePerMinute)
}

// TokenCost prices a chat completion from per-million token rates.
func TokenCost(promptTokens, completionTokens int, inputPerMillion, outputPerMillion float64) float64 {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	cost := float64(promptTokens)/1e6*inputPerMillion + float64(completionTokens)/1e6*outputPerMillion
	return RoundUSD(cost)
}

// Model converts USD to credits.
type Model struct {
	USDPerCredit float64 `mapstructure:"usd_per_credit" validate:"gt=0"`
}

// ApplyDefaults sets 1 credit = $0.001.
func (m *Model) ApplyDefaults() {
	if m.USDPerCredit <= 0 {
		m.USDPerCredit = 0.001
	}
}

// CreditsForCost charges actual usage: nearest tenth, never below 0.1 for a
// positive cost, 0 for a zero cost.
func (m Model) CreditsForCost(usd float64) float64 {
	if usd <= 0 || m.USDPerCredit <= 0 {
		return 0
	}
	return math.Max(MinCredits, RoundTenth(usd/m.USDPerCredit))
}

// CeilCredits is the conservative conversion used for pre-flight estimates.
func (m Model) CeilCredits(usd float64) float64 {
	if m.USDPerCredit <= 0 {
		return MinCredits
	}
	return math.Max(MinCredits, CeilTenth(usd/m.USDPerCredit))
}
