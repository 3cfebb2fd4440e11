package domain

// PatternType is the laundering typology assigned to a fraud ring.
// Detectors seed candidate groups with one of the single-detector types;
// PatternHybrid only appears on merged rings.
type PatternType string

const (
	PatternCircular PatternType = "circular"
	PatternSmurfing PatternType = "smurfing"
	PatternLayering PatternType = "layering"
	PatternHybrid   PatternType = "hybrid"
)

// Evidence flags attached to accounts.
const (
	FlagCircularWash = "CIRCULAR_WASH"
	FlagSmurfingHub  = "SMURFING_HUB"
	FlagHighVelocity = "HIGH_VELOCITY"
)

// DetectorOrder is the fixed execution order used for flag ordering.
var DetectorOrder = []PatternType{PatternCircular, PatternSmurfing, PatternLayering}

// Rank returns the position of p in DetectorOrder, or -1.
func (p PatternType) Rank() int {
	for i, t := range DetectorOrder {
		if t == p {
			return i
		}
	}
	return -1
}

// Flag returns the account flag a detector of this seed type emits.
func (p PatternType) Flag() string {
	switch p {
	case PatternCircular:
		return FlagCircularWash
	case PatternSmurfing:
		return FlagSmurfingHub
	case PatternLayering:
		return FlagHighVelocity
	default:
		return ""
	}
}

// IsKnownFlag reports whether flag is one any detector can emit.
func IsKnownFlag(flag string) bool {
	switch flag {
	case FlagCircularWash, FlagSmurfingHub, FlagHighVelocity:
		return true
	}
	return false
}

// Color tiers for node styling.
const (
	TierNormal   = "normal"
	TierElevated = "elevated"
	TierHigh     = "high"
)

// TierColors maps each tier to its display color.
var TierColors = map[string]string{
	TierNormal:   "#3b82f6",
	TierElevated: "#f59e0b",
	TierHigh:     "#ef4444",
}
