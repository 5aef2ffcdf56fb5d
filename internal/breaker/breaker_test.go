package breaker

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestBreaker(mock *clock.Mock) *Breaker {
	return New("D", Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, Clock: mock})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.False(t, b.IsOpen())
	}
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.True(t, b.IsOpen())
	assert.False(t, b.Available())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	mock.Add(29 * time.Second)
	assert.True(t, b.IsOpen())

	mock.Add(time.Second)
	assert.True(t, b.Available())
	assert.False(t, b.IsOpen(), "first query after recovery is the trial")
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.IsOpen(), "second query is refused while the trial is in flight")
	assert.False(t, b.Available())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.False(t, b.IsOpen())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	mock := clock.NewMock()
	b := newTestBreaker(mock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	mock.Add(30 * time.Second)
	require.False(t, b.IsOpen())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	mock.Add(10 * time.Second)
	assert.True(t, b.IsOpen(), "failure restarts the recovery window")
}

func TestBreakerStateCallback(t *testing.T) {
	var transitions []string
	b := New("D", Config{
		FailureThreshold: 1,
		Clock:            clock.NewMock(),
		OnStateChange: func(dest string, from, to State) {
			transitions = append(transitions, dest+":"+from.String()+"->"+to.String())
		},
	})
	b.RecordFailure()
	b.Reset()
	assert.Equal(t, []string{"D:closed->open", "D:open->closed"}, transitions)
}

// Property: while open, at most one request is admitted per recovery window.
func TestBreakerAdmitsAtMostOneTrialPerWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mock := clock.NewMock()
		recovery := 30 * time.Second
		b := New("D", Config{FailureThreshold: 3, RecoveryTimeout: recovery, Clock: mock})
		for i := 0; i < 3; i++ {
			b.RecordFailure()
		}

		lastFailure := mock.Now()
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			mock.Add(time.Duration(rapid.IntRange(0, 5000).Draw(t, "advanceMs")) * time.Millisecond)
			if b.IsOpen() {
				continue
			}
			if since := mock.Now().Sub(lastFailure); since < recovery {
				t.Fatalf("request admitted %s after the last failure", since)
			}
			// every trial fails, keeping the breaker open
			b.RecordFailure()
			lastFailure = mock.Now()
		}
	})
}

func TestGroup(t *testing.T) {
	g := NewGroup(Config{FailureThreshold: 1, Clock: clock.NewMock()})
	a := g.Get("a")
	assert.Same(t, a, g.Get("a"))
	g.Get("b").RecordFailure()

	total, open := g.Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, open)
	assert.Equal(t, []string{"a", "b"}, g.Destinations())

	g.ResetAll()
	_, open = g.Counts()
	assert.Zero(t, open)

	g.Remove("a")
	_, ok := g.Lookup("a")
	assert.False(t, ok)
}
