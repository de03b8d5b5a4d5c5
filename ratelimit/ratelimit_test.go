// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPRateLimiter_AllowsWithinBurst(t *testing.T) {
	l := NewIPRateLimiter(1, 5, time.Minute)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1:52000"))
	}
	assert.False(t, l.Allow("10.0.0.1:52000"))

	// Other hosts have their own budget.
	assert.True(t, l.Allow("10.0.0.2:52000"))
}

func TestIPRateLimiter_PerHostNotPerPort(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1:1000"))
	assert.True(t, l.Allow("10.0.0.1:2000"))
	assert.False(t, l.Allow("10.0.0.1:3000"))
}

func TestIPRateLimiter_UnparseableAddrAllowed(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow("not-an-addr"))
	assert.True(t, l.Allow("not-an-addr"))
}
