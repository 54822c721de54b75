package domain

// Health is the coarse state reported for backends and digests.
type Health int

const (
	Healthy Health = iota
	Stale
	Corrupted
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Stale:
		return "stale"
	case Corrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// Description is the human-readable text for h.
func (h Health) Description() string {
	switch h {
	case Healthy:
		return "Digest healthy"
	case Stale:
		return "Digest needs refresh"
	case Corrupted:
		return "Digest corrupted - using fallback"
	default:
		return "Digest state unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
