package pmm

import "time"

// Config carries the boot-time parameters of the frame database,
// following the explicit-parameter style of gopheros's
// bootMemAllocator.init()/BitmapAllocator.init() rather than reading
// globals or the environment.
type Config struct {
	// MaxPages caps the number of frames the database will track, even
	// if the memory map reports more. Zero means no cap.
	MaxPages uint64

	// WarnLevel1High/Low and WarnLevel2High/Low are allocated/total
	// percentages (0-100) that drive the warning-level hysteresis.
	// Level1 fires first as pressure rises, Level2 is the more severe,
	// later transition. Zero values fall back to the Minoca-derived
	// defaults.
	WarnLevel1High, WarnLevel1Low uint8
	WarnLevel2High, WarnLevel2Low uint8

	// PagerBatchSize is the number of successful evictions the pager
	// lets accumulate before pulsing the pages-freed event early
	// (spec §4.4 step g).
	PagerBatchSize int

	// PagerMaxConsecutiveFailures bounds a pager pass (spec §4.4 step h).
	PagerMaxConsecutiveFailures int

	// AllocTimeout bounds how long allocate_contiguous will retry
	// against the pager before panicking with out-of-memory.
	AllocTimeout time.Duration
}

// Default warning thresholds and pager tunables, taken from Minoca's
// physical.c (MEMORY_WARNING_LEVEL_*_PERCENT) and spec §4.4's example k.
// Level1 is the earlier, lower-occupancy warning; Level2 is the later,
// more severe one, matching spec.md's "state variable in {none, warn1,
// warn2}" progression.
const (
	defaultWarnLevel1High = 90
	defaultWarnLevel1Low  = 87
	defaultWarnLevel2High = 97
	defaultWarnLevel2Low  = 95

	defaultPagerBatchSize             = 16
	defaultPagerMaxConsecutiveFailure = 10

	defaultAllocTimeout = 3 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.WarnLevel1High == 0 {
		c.WarnLevel1High = defaultWarnLevel1High
	}
	if c.WarnLevel1Low == 0 {
		c.WarnLevel1Low = defaultWarnLevel1Low
	}
	if c.WarnLevel2High == 0 {
		c.WarnLevel2High = defaultWarnLevel2High
	}
	if c.WarnLevel2Low == 0 {
		c.WarnLevel2Low = defaultWarnLevel2Low
	}
	if c.PagerBatchSize == 0 {
		c.PagerBatchSize = defaultPagerBatchSize
	}
	if c.PagerMaxConsecutiveFailures == 0 {
		c.PagerMaxConsecutiveFailures = defaultPagerMaxConsecutiveFailure
	}
	if c.AllocTimeout == 0 {
		c.AllocTimeout = defaultAllocTimeout
	}
	return c
}
