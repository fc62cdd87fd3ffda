package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"order.OrderPlaced", "order.OrderPlaced", true},
		{"order.OrderPlaced", "order.OrderShipped", false},
		{"order.*", "order.OrderPlaced", true},
		{"order.*", "order.OrderPlaced.v2", false},
		{"*.OrderPlaced", "order.OrderPlaced", true},
		{"*.OrderPlaced", "payment.OrderPlaced", true},
		{"*", "order", true},
		{"*", "order.OrderPlaced", false},
		{">", "order", true},
		{">", "order.OrderPlaced", true},
		{"order.>", "order.OrderPlaced", true},
		{"order.>", "order.OrderPlaced.v2", true},
		{"order.>", "order", false},
		{"order.>", "payment.OrderPlaced", false},
		{"order.OrderPlaced", "order", false},
		{"order", "order.OrderPlaced", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.topic))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	require.NoError(t, ValidatePattern("order.OrderPlaced"))
	require.NoError(t, ValidatePattern("order.*"))
	require.NoError(t, ValidatePattern("order.>"))
	require.NoError(t, ValidatePattern(">"))

	require.ErrorIs(t, ValidatePattern(""), ErrInvalidPattern)
	require.ErrorIs(t, ValidatePattern("order."), ErrInvalidPattern)
	require.ErrorIs(t, ValidatePattern(".OrderPlaced"), ErrInvalidPattern)
	require.ErrorIs(t, ValidatePattern("order.>.shipped"), ErrInvalidPattern)
}
