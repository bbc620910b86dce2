package swim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthMultiplierClampsAtZero(t *testing.T) {
	h := NewHealthMultiplier(8)

	h.Observe(EventSuccessfulProbe)
	h.Observe(EventSuccessfulProbe)
	assert.Equal(t, 0, h.Score())
}

func TestHealthMultiplierClampsAtMax(t *testing.T) {
	h := NewHealthMultiplier(2)

	for n := 0; n < 10; n++ {
		h.Observe(EventFailedProbe)
	}
	assert.Equal(t, 2, h.Score())
}

func TestHealthMultiplierEvents(t *testing.T) {
	h := NewHealthMultiplier(8)

	h.Observe(EventFailedProbe)
	assert.Equal(t, 1, h.Score())

	h.Observe(EventProbeWithMissedNack)
	assert.Equal(t, 2, h.Score())

	h.Observe(EventRefutedSuspicion)
	assert.Equal(t, 3, h.Score())

	h.Observe(EventSuccessfulProbe)
	assert.Equal(t, 2, h.Score())
}

func TestHealthMultiplierScale(t *testing.T) {
	h := NewHealthMultiplier(8)

	base := 300 * time.Millisecond
	assert.Equal(t, base, h.Scale(base))

	h.Observe(EventFailedProbe)
	h.Observe(EventFailedProbe)
	assert.Equal(t, 3*base, h.Scale(base))
}
