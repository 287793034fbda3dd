package dimmer

import "math"

// TargetBrightness evaluates the entry's wave at now (seconds since epoch).
func TargetBrightness(e CycleEntry, now float64) int {
	elapsed := now - e.StartedAt
	phase := 2*math.Pi*elapsed/e.Period + e.PhaseOffset

	mid := float64(e.MinBrightness+e.MaxBrightness) / 2
	amp := float64(e.MaxBrightness-e.MinBrightness) / 2

	target := int(math.Round(mid + amp*math.Sin(phase)))
	return clampInt(target, e.MinBrightness, e.MaxBrightness)
}

// ReversePhaseOffset returns the offset at which the wave starts from the
// observed brightness.
func ReversePhaseOffset(observed, minB, maxB int) float64 {
	mid := float64(minB+maxB) / 2
	amp := float64(maxB-minB) / 2
	if amp == 0 {
		return 0
	}

	normalized := (float64(observed) - mid) / amp
	normalized = math.Max(-1, math.Min(1, normalized))
	return math.Asin(normalized)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
