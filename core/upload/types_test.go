package upload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTerminalClassification(t *testing.T) {
	cases := map[State]bool{
		Init:         false,
		Hashing:      false,
		RapidAttempt: false,
		Precreate:    false,
		Transferring: false,
		Finalize:     false,
		Paused:       false,
		Cancelled:    true,
		Error:        true,
		Finished:     true,
	}
	for state, want := range cases {
		require.Equal(t, want, state.Terminal(), "state=%v", state)
	}
}

func TestStateStringCoversAllKnownStates(t *testing.T) {
	states := []State{Init, Hashing, RapidAttempt, Precreate, Transferring, Finalize, Paused, Cancelled, Error, Finished}
	for _, s := range states {
		require.NotEqual(t, "Unknown", s.String(), "state=%d", s)
	}
	require.Equal(t, "Unknown", State(999).String())
}

func TestUploadTaskAccessorsReflectMutations(t *testing.T) {
	task := &UploadTask{id: 5, state: Init, remotePath: "/r/path"}
	require.Equal(t, int64(5), task.ID())
	require.Equal(t, Init, task.State())
	require.Equal(t, "/r/path", task.RemotePath())

	task.setState(Transferring)
	require.Equal(t, Transferring, task.State())

	task.setProgress(1024)
	uploaded, _, _ := task.Progress()
	require.Equal(t, int64(1024), uploaded)

	task.mu.Lock()
	task.acceptedSlices = append(task.acceptedSlices, "s0", "s1")
	task.mu.Unlock()
	require.Equal(t, []string{"s0", "s1"}, task.AcceptedSlices())
}

func TestUploadTaskSampleSpeedClampsNegativeDelta(t *testing.T) {
	task := &UploadTask{id: 1, bytesUploaded: 100, lastSampledBytes: 500}
	task.sampleSpeed()
	_, _, speed := task.Progress()
	require.Equal(t, int64(0), speed)
}
