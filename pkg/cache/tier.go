package cache

import "strings"

// Tier names one level of the cache hierarchy.
type Tier uint8

const (
	TierL1 Tier = iota + 1
	TierL2
	TierL3
)

func (t Tier) String() string {
	switch t {
	case TierL1:
		return "l1"
	case TierL2:
		return "l2"
	case TierL3:
		return "l3"
	}
	return "unknown"
}

// ParseTier parses "l1", "l2" or "l3".
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(s) {
	case "l1":
		return TierL1, true
	case "l2":
		return TierL2, true
	case "l3":
		return TierL3, true
	}
	return 0, false
}

// SetOption tunes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	tier        Tier
	writeBehind bool
}

// WithTier limits the write to tiers down to and including t.
func WithTier(t Tier) SetOption {
	return func(o *setOptions) { o.tier = t }
}

// WithWriteBehind queues the authoritative write instead of waiting for it.
func WithWriteBehind() SetOption {
	return func(o *setOptions) { o.writeBehind = true }
}
