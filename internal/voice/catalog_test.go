package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogHasEightVoices(t *testing.T) {
	c := DefaultCatalog()
	require.Equal(t, 8, c.Len())

	first, ok := c.At(0)
	require.True(t, ok)
	assert.Equal(t, "alloy", first.ID)

	last, ok := c.At(7)
	require.True(t, ok)
	assert.Equal(t, "verse", last.RealtimeVoice)
}

func TestCatalogAtWraps(t *testing.T) {
	c := DefaultCatalog()

	v, _ := c.At(8)
	assert.Equal(t, "alloy", v.ID)
	v, _ = c.At(-1)
	assert.Equal(t, "verse", v.ID)

	_, ok := NewCatalog(nil).At(0)
	assert.False(t, ok)
}

func TestCatalogLookup(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, 3, c.Index("Coral"))
	assert.Equal(t, -1, c.Index("nova"))

	v, ok := c.Lookup("sage")
	require.True(t, ok)
	assert.Equal(t, "Calm and thoughtful", v.Description)
}

func TestCatalogAllIsACopy(t *testing.T) {
	c := DefaultCatalog()
	all := c.All()
	all[0].ID = "mutated"

	v, _ := c.At(0)
	assert.Equal(t, "alloy", v.ID)
}

func TestProviderVoiceFallback(t *testing.T) {
	assert.Equal(t, "verse", Identity{ID: "custom"}.ProviderVoice())
	assert.Equal(t, "ash", Identity{RealtimeVoice: "ash"}.ProviderVoice())
}
