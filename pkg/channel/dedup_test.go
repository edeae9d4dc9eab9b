package channel

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestDedupCheckAndMark(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDedupCache(time.Minute, 100, clock)

	assert.False(t, d.CheckAndMark("m1"))
	assert.True(t, d.CheckAndMark("m1"))
	assert.False(t, d.CheckAndMark("m2"))
	assert.Equal(t, 2, d.Size())
}

func TestDedupWindowExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDedupCache(time.Minute, 100, clock)

	d.CheckAndMark("m1")
	clock.Advance(30 * time.Second)
	d.CheckAndMark("m2")
	clock.Advance(31 * time.Second)

	assert.False(t, d.CheckAndMark("m1"), "m1 expired")
	assert.True(t, d.CheckAndMark("m2"))
}

func TestDedupCapacityEvictsOldest(t *testing.T) {
	d := newDedupCache(time.Hour, 2, clockwork.NewFakeClock())

	d.CheckAndMark("a")
	d.CheckAndMark("b")
	d.CheckAndMark("c")

	assert.Equal(t, 2, d.Size())
	assert.False(t, d.CheckAndMark("a"), "a was evicted")
}

func TestDedupWindowIsFixedFromFirstSeen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDedupCache(time.Minute, 100, clock)

	assert.False(t, d.CheckAndMark("m1"))
	clock.Advance(20 * time.Second)
	assert.True(t, d.CheckAndMark("m1"))
	clock.Advance(20 * time.Second)
	assert.True(t, d.CheckAndMark("m1"))

	clock.Advance(21 * time.Second)
	assert.False(t, d.CheckAndMark("m1"), "repeats do not extend the window")
}
