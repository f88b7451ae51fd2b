package pmm

// WarningLevel reflects memory pressure derived from the ratio of
// allocated to total frames. Transitions are hysteretic: a rise to
// WarnLevel1 requires crossing the high threshold, a fall back to
// WarnNone requires dropping below the low threshold, so a value
// oscillating between the two thresholds does not fire repeatedly.
type WarningLevel uint8

const (
	WarnNone WarningLevel = iota
	WarnLevel1
	WarnLevel2
)

// String implements fmt.Stringer-style rendering without pulling in the
// fmt package, matching kfmt's hand-rolled-formatting philosophy.
func (w WarningLevel) String() string {
	switch w {
	case WarnLevel1:
		return "level1"
	case WarnLevel2:
		return "level2"
	default:
		return "none"
	}
}

// nextWarningLevel computes the warning level for the given
// allocated/total ratio given the current level, applying hysteresis
// between the high (rising) and low (falling) thresholds of each level.
// Level2 is strictly more severe than Level1, so rising transitions
// always test the Level2 threshold first.
func nextWarningLevel(cur WarningLevel, allocated, total uint64, cfg Config) WarningLevel {
	if total == 0 {
		return WarnNone
	}
	pct := allocated * 100 / total

	switch cur {
	case WarnNone:
		if pct >= uint64(cfg.WarnLevel2High) {
			return WarnLevel2
		}
		if pct >= uint64(cfg.WarnLevel1High) {
			return WarnLevel1
		}
		return WarnNone
	case WarnLevel1:
		if pct >= uint64(cfg.WarnLevel2High) {
			return WarnLevel2
		}
		if pct < uint64(cfg.WarnLevel1Low) {
			return WarnNone
		}
		return WarnLevel1
	case WarnLevel2:
		if pct < uint64(cfg.WarnLevel2Low) {
			// may fall straight through to none or settle at level1;
			// re-evaluate against level1's thresholds from a clean state.
			return nextWarningLevel(WarnNone, allocated, total, cfg)
		}
		return WarnLevel2
	default:
		return WarnNone
	}
}

// sampleMask returns a bitmask that samples roughly 1% of total,
// rounded down to a power of two, used to decide whether an
// allocate/free call should re-evaluate the warning level. A mask of 0
// means every call re-evaluates (used when total is too small to sample).
func sampleMask(total uint64) uint64 {
	target := total / 100
	if target < 2 {
		return 0
	}

	var mask uint64 = 1
	for (mask << 1) <= target {
		mask <<= 1
	}
	return mask - 1
}
