package spin

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		l          Lock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	l.Lock()
	require.False(t, l.TryLock(), "TryLock must fail while the lock is held")

	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			l.Lock()
			l.Unlock()
		}()
	}

	<-time.After(50 * time.Millisecond)
	l.Unlock()
	wg.Wait()

	require.True(t, l.TryLock())
	l.Unlock()
}

func TestLockMutualExclusion(t *testing.T) {
	var (
		l       Lock
		wg      sync.WaitGroup
		counter int
	)
	const workers, iterations = 8, 1000

	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for range iterations {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers*iterations, counter)
}
