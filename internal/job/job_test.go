package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []Status{StatusScheduled, StatusRunning, StatusCancelling, StatusCancelled,
		StatusDone, StatusFailed, StatusStopped}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			require.Falsef(t, CanTransition(from, to), "%s -> %s must be illegal", from, to)
		}
	}
}

func TestTransitions(t *testing.T) {
	require.True(t, CanTransition(StatusScheduled, StatusRunning))
	require.True(t, CanTransition(StatusRunning, StatusDone))
	require.True(t, CanTransition(StatusRunning, StatusFailed))
	require.True(t, CanTransition(StatusScheduled, StatusCancelling))
	require.True(t, CanTransition(StatusCancelling, StatusCancelled))
	require.True(t, CanTransition(StatusCancelling, StatusStopped))
	require.False(t, CanTransition(StatusScheduled, StatusDone))
	require.False(t, CanTransition(StatusScheduled, StatusCancelled))
	require.False(t, CanTransition(StatusRunning, StatusCancelled))
}

func TestPriorityRange(t *testing.T) {
	for p := -3; p <= 12; p++ {
		require.Equal(t, p >= 0 && p <= 9, ValidPriority(p), "priority %d", p)
	}
}

func TestResultMapDefaultsToEmpty(t *testing.T) {
	e := &Execution{}
	m, err := e.ResultMap()
	require.NoError(t, err)
	require.Empty(t, m)

	e.Result = []byte(`{"success":true}`)
	m, err = e.ResultMap()
	require.NoError(t, err)
	require.Equal(t, true, m["success"])
}
