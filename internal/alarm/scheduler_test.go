package alarm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firingRecorder struct {
	mu      sync.Mutex
	firings []Firing
}

func (r *firingRecorder) handle(f Firing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firings = append(r.firings, f)
}

func (r *firingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.firings)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduleFiresOnce(t *testing.T) {
	rec := &firingRecorder{}
	s := New(rec.handle, true)
	defer s.Close()

	s.Schedule("Water plants", "back garden", time.Now().Add(20*time.Millisecond), 7)

	waitFor(t, func() bool { return rec.count() == 1 })
	assert.Equal(t, 0, s.Len(), "registration is consumed on fire")
	assert.Equal(t, "Water plants", rec.firings[0].Title)
	assert.Equal(t, 7, rec.firings[0].RequestCode)
}

func TestScheduleSameCodeReplaces(t *testing.T) {
	rec := &firingRecorder{}
	s := New(rec.handle, true)
	defer s.Close()

	s.Schedule("first", "", time.Now().Add(time.Hour), 9)
	s.Schedule("second", "", time.Now().Add(30*time.Millisecond), 9)
	require.Equal(t, 1, s.Len())

	waitFor(t, func() bool { return rec.count() == 1 })
	assert.Equal(t, "second", rec.firings[0].Title)

	// The replaced timer must never fire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestScheduleDistinctCodesCoexist(t *testing.T) {
	s := New(nil, true)
	defer s.Close()

	s.Schedule("a", "", time.Now().Add(time.Hour), 1)
	s.Schedule("b", "", time.Now().Add(time.Hour), 2)
	assert.Equal(t, 2, s.Len())
}

func TestInexactRoundsUpToMinute(t *testing.T) {
	s := New(nil, false)
	defer s.Close()

	fireAt := time.Date(2030, time.June, 1, 9, 30, 12, 0, time.UTC)
	s.Schedule("a", "", fireAt, 3)

	got, ok := s.PendingFireAt(3)
	require.True(t, ok)
	assert.Equal(t, time.Date(2030, time.June, 1, 9, 31, 0, 0, time.UTC), got)
}

func TestInexactKeepsWholeMinute(t *testing.T) {
	s := New(nil, false)
	defer s.Close()

	fireAt := time.Date(2030, time.June, 1, 9, 30, 0, 0, time.UTC)
	s.Schedule("a", "", fireAt, 4)

	got, ok := s.PendingFireAt(4)
	require.True(t, ok)
	assert.Equal(t, fireAt, got)
}

func TestPastInstantFiresImmediately(t *testing.T) {
	rec := &firingRecorder{}
	s := New(rec.handle, true)
	defer s.Close()

	s.Schedule("late", "", time.Now().Add(-time.Minute), 5)
	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestCancelPreventsFiring(t *testing.T) {
	rec := &firingRecorder{}
	s := New(rec.handle, true)
	defer s.Close()

	s.Schedule("a", "", time.Now().Add(30*time.Millisecond), 6)
	require.True(t, s.Cancel(6))
	assert.False(t, s.Cancel(6))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestHandlerPanicIsContained(t *testing.T) {
	rec := &firingRecorder{}
	var once sync.Once
	panicky := func(f Firing) {
		var panicked bool
		once.Do(func() { panicked = true })
		if panicked {
			panic("boom")
		}
		rec.handle(f)
	}
	s := New(panicky, true)
	defer s.Close()

	s.Schedule("a", "", time.Now().Add(10*time.Millisecond), 1)
	s.Schedule("b", "", time.Now().Add(40*time.Millisecond), 2)

	// The second alarm still fires after the first handler panicked.
	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestCodeForIsStableAndDistinctForPreAlarm(t *testing.T) {
	a := CodeFor("event-123")
	b := CodeFor("event-123")
	pre := CodeFor("event-123-pre")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, pre)
	assert.GreaterOrEqual(t, a, 0)
}
