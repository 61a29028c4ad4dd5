// Package core defines the shared data model for the tiered memory system:
// memory layers, entries, search results, and validation errors.
package core

// Layer identifies one of the three memory tiers.
type Layer string

const (
	// LayerTier1 is the ephemeral TTL cache (fast, bounded, session-scoped).
	LayerTier1 Layer = "tier1"

	// LayerTier2 is the long-term semantic store (vector search).
	LayerTier2 Layer = "tier2"

	// LayerTier3 is the episodic/temporal store (conversation episodes).
	LayerTier3 Layer = "tier3"
)

// AllLayers returns every layer in tier order. The returned slice is a copy.
func AllLayers() []Layer {
	return []Layer{LayerTier1, LayerTier2, LayerTier3}
}

// Valid reports whether l names a known layer.
func (l Layer) Valid() bool {
	switch l {
	case LayerTier1, LayerTier2, LayerTier3:
		return true
	}
	return false
}

func (l Layer) String() string {
	return string(l)
}
