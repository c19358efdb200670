package osthread

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentIDStableWhenPinned(t *testing.T) {
	done := make(chan [2]uint64)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		first := CurrentID()
		runtime.Gosched()
		done <- [2]uint64{first, CurrentID()}
	}()
	ids := <-done
	assert.NotEqual(t, InvalidID, ids[0])
	assert.Equal(t, ids[0], ids[1])
}

func TestCurrentIDDistinctAcrossPinnedThreads(t *testing.T) {
	const n = 4
	ready := make(chan uint64, n)
	release := make(chan struct{})
	for range n {
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			ready <- CurrentID()
			<-release
		}()
	}
	seen := make(map[uint64]struct{})
	for range n {
		seen[<-ready] = struct{}{}
	}
	close(release)
	assert.Len(t, seen, n)
}

func TestSelfThreadIDsContainsCaller(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("thread enumeration is checked against gettid on linux only")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ids, err := SelfThreadIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, CurrentID())
	assert.IsIncreasing(t, ids)
}

func TestSystemQuerier(t *testing.T) {
	var q Querier = System{}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	assert.Equal(t, CurrentID(), q.CurrentThreadID())
}
