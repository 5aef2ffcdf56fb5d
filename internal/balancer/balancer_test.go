package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectAgentLeastLoaded(t *testing.T) {
	b := New()

	_, ok := b.SelectAgent(nil)
	assert.False(t, ok)

	pool := []string{"a", "b", "c"}
	got := []string{}
	for i := 0; i < 4; i++ {
		d, ok := b.SelectAgent(pool)
		assert.True(t, ok)
		got = append(got, d)
	}
	// ties go to the first pool member
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
	assert.Equal(t, 2.0, b.Load("a"))
}

func TestReleaseNeverNegative(t *testing.T) {
	b := New()
	b.Charge("a", 1)
	b.Release("a", 3)
	assert.Equal(t, 0.0, b.Load("a"))
}

func TestAggressivenessChargesSelection(t *testing.T) {
	b := New()
	b.SetAggressiveness(2.5)
	d, _ := b.SelectAgent([]string{"x"})
	assert.Equal(t, 2.5, b.Load(d))

	b.SetAggressiveness(100)
	assert.Equal(t, MaxAggressiveness, b.Aggressiveness())
	b.SetAggressiveness(0)
	assert.Equal(t, DefaultAggressiveness, b.Aggressiveness())
}

func TestLeastLoadedPicksDistinct(t *testing.T) {
	b := New()
	b.Charge("a", 5)
	group := b.LeastLoaded([]string{"a", "b", "c", "d"}, 3)
	assert.Equal(t, []string{"b", "c", "d"}, group)

	assert.Len(t, b.LeastLoaded([]string{"a"}, 3), 1)

	b.Remove("a")
	_, tracked := b.Loads()["a"]
	assert.False(t, tracked)
}
