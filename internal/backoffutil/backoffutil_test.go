// Copyright 2025 James Ross
package backoffutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second
	assert.Equal(t, base, Exponential(1, base, max))
	assert.Equal(t, 2*base, Exponential(2, base, max))
	assert.Equal(t, 4*base, Exponential(3, base, max))
	assert.Equal(t, max, Exponential(20, base, max))
}

func TestJitteredExponentialWithinBounds(t *testing.T) {
	base := 50 * time.Millisecond
	max := time.Second
	jitterMax := 25 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := JitteredExponential(3, base, max, jitterMax)
		assert.GreaterOrEqual(t, d, 4*base)
		assert.LessOrEqual(t, d, 4*base+jitterMax)
	}
}
