package hydration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresenter struct {
	titles []string
	notes  []string
}

func (f *fakePresenter) PresentAlarm(title, notes string) {
	f.titles = append(f.titles, title)
	f.notes = append(f.notes, notes)
}

func TestNotifySendsDefaultAlarmPayload(t *testing.T) {
	p := &fakePresenter{}
	New(p).Notify()

	require.Len(t, p.titles, 1)
	assert.Equal(t, "Reminder", p.titles[0])
	assert.Empty(t, p.notes[0], "empty notes select the presenter's stock body")
}

func TestStartRejectsInvalidCron(t *testing.T) {
	job := New(&fakePresenter{})
	err := job.Start("not a cron spec")
	assert.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	job := New(&fakePresenter{})
	require.NoError(t, job.Start("0 */2 * * *"))
	job.Stop()
}
