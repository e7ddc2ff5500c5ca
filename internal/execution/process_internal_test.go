package execution

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminateBeforeStart(t *testing.T) {
	t.Parallel()
	e := NewExecutor(1)
	var statuses []Status
	p := newProcess(t.Context(), 1, Command{Path: "sh", Args: []string{"-c", "sleep 10"}},
		ListenerFunc(func(_ *Process, s Status) { statuses = append(statuses, s) }))
	e.mx.Lock()
	e.live[p] = struct{}{}
	e.mx.Unlock()

	// terminated in between admission and launch
	e.TerminateAll()
	e.launch(p)

	<-p.Done()
	require.Equal(t, Aborted, p.Status())
	require.ErrorIs(t, p.Err(), ErrTerminated)
	require.Zero(t, p.Pid())
	require.Equal(t, []Status{Aborted}, statuses)
	require.Zero(t, e.Running())
}
