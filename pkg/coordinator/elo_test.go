package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeltaEqualRatings(t *testing.T) {
	assert.Equal(t, 16, Delta(1000, 1000))
}

func TestDeltaFavorsUnderdog(t *testing.T) {
	upset := Delta(1000, 1400)
	expected := Delta(1400, 1000)
	assert.Equal(t, 29, upset)
	assert.Equal(t, 3, expected)
	assert.Greater(t, upset, expected)
}

func TestDeltaBounds(t *testing.T) {
	// The delta never exceeds K and never goes negative.
	for _, pair := range [][2]int{{100, 3000}, {3000, 100}, {1200, 1210}} {
		d := Delta(pair[0], pair[1])
		assert.GreaterOrEqual(t, d, 0)
		assert.LessOrEqual(t, d, 32)
	}
}

func TestDeltaSymmetric(t *testing.T) {
	// A win and the mirrored loss move both players by the same amount.
	assert.Equal(t, Delta(1100, 1300), 32-Delta(1300, 1100))
}
