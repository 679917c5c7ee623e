package execution

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionRegistryRegisterGetDeregister(t *testing.T) {
	r := newSessionRegistry()
	s := &ExecutionSession{ExecutionID: "exec-1"}

	_, ok := r.get("exec-1")
	require.False(t, ok)

	r.register(s)
	got, ok := r.get("exec-1")
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, 1, r.activeCount())

	r.deregister("exec-1")
	_, ok = r.get("exec-1")
	require.False(t, ok)
	require.Equal(t, 0, r.activeCount())
}

func TestSessionRegistryCancelTriggersSessionCancel(t *testing.T) {
	r := newSessionRegistry()
	var cancelled bool
	s := &ExecutionSession{ExecutionID: "exec-2", cancelFunc: func() { cancelled = true }}
	r.register(s)

	require.True(t, r.cancel("exec-2"))
	require.True(t, cancelled)

	require.False(t, r.cancel("unknown"))
}

func TestSessionRegistryCancelIsSafeAfterDeregister(t *testing.T) {
	r := newSessionRegistry()
	s := &ExecutionSession{ExecutionID: "exec-3", cancelFunc: func() {}}
	r.register(s)
	r.deregister("exec-3")

	require.False(t, r.cancel("exec-3"))
}

func TestSessionRegistryConcurrentAccess(t *testing.T) {
	r := newSessionRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "exec-concurrent"
			s := &ExecutionSession{ExecutionID: id, cancelFunc: func() {}}
			r.register(s)
			r.cancel(id)
			r.get(id)
			r.activeCount()
			r.deregister(id)
		}(i)
	}
	wg.Wait()
}
