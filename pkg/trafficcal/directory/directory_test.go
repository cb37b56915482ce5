package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(map[string]string{
		"p1": "austin",
		"p2": "austin",
		"p3": "denver",
	})

	market, err := d.MarketOf(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "austin", market)

	market, err = d.MarketOf(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, market)

	members, err := d.PropertiesIn(ctx, "austin")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, members)

	d.Set("p2", "denver")
	members, _ = d.PropertiesIn(ctx, "austin")
	assert.Equal(t, []string{"p1"}, members)
	members, _ = d.PropertiesIn(ctx, "denver")
	assert.Equal(t, []string{"p2", "p3"}, members)

	d.Set("p3", "")
	market, _ = d.MarketOf(ctx, "p3")
	assert.Empty(t, market)
	assert.Equal(t, []string{"p1", "p2"}, d.Properties())

	members, err = d.PropertiesIn(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, members)
}
