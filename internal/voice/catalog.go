// Package voice holds the fixed registry of selectable speaking voices.
package voice

import "strings"

// FallbackRealtimeVoice is used when an identity carries no provider-facing name.
const FallbackRealtimeVoice = "verse"

// Identity is one selectable voice. It is never mutated after the catalog is built.
type Identity struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	RealtimeVoice string `json:"realtimeVoice"`
}

// ProviderVoice returns the provider-facing voice name.
func (i Identity) ProviderVoice() string {
	if v := strings.TrimSpace(i.RealtimeVoice); v != "" {
		return v
	}
	return FallbackRealtimeVoice
}

// Catalog is an immutable, ordered list of voices.
type Catalog struct {
	voices []Identity
}

// NewCatalog copies voices into a catalog.
func NewCatalog(voices []Identity) Catalog {
	out := make([]Identity, len(voices))
	copy(out, voices)
	return Catalog{voices: out}
}

// DefaultCatalog returns the eight realtime voices offered to users.
func DefaultCatalog() Catalog {
	return NewCatalog([]Identity{
		{ID: "alloy", Name: "Alloy", Description: "Balanced and clear", RealtimeVoice: "alloy"},
		{ID: "ash", Name: "Ash", Description: "Warm and calm", RealtimeVoice: "ash"},
		{ID: "ballad", Name: "Ballad", Description: "Narrative and lyrical", RealtimeVoice: "ballad"},
		{ID: "coral", Name: "Coral", Description: "Bright and friendly", RealtimeVoice: "coral"},
		{ID: "echo", Name: "Echo", Description: "Crisp and lively", RealtimeVoice: "echo"},
		{ID: "sage", Name: "Sage", Description: "Calm and thoughtful", RealtimeVoice: "sage"},
		{ID: "shimmer", Name: "Shimmer", Description: "Sparkling and energetic", RealtimeVoice: "shimmer"},
		{ID: "verse", Name: "Verse", Description: "Expressive and dynamic", RealtimeVoice: "verse"},
	})
}

func (c Catalog) Len() int {
	return len(c.voices)
}

// At returns the voice at i, wrapping in both directions. ok is false for an
// empty catalog.
func (c Catalog) At(i int) (Identity, bool) {
	n := len(c.voices)
	if n == 0 {
		return Identity{}, false
	}
	i %= n
	if i < 0 {
		i += n
	}
	return c.voices[i], true
}

// Index returns the position of id (case-insensitive), or -1.
func (c Catalog) Index(id string) int {
	id = strings.TrimSpace(id)
	for i, v := range c.voices {
		if strings.EqualFold(v.ID, id) {
			return i
		}
	}
	return -1
}

func (c Catalog) Lookup(id string) (Identity, bool) {
	i := c.Index(id)
	if i < 0 {
		return Identity{}, false
	}
	return c.voices[i], true
}

// All returns a copy of the voices in catalog order.
func (c Catalog) All() []Identity {
	out := make([]Identity, len(c.voices))
	copy(out, c.voices)
	return out
}
