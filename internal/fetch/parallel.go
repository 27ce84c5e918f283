package fetch

import (
	"context"
	"sync"
	"sync/atomic"
)

// forEachIndexed processes n items with a bounded worker pool. Soft errors
// (per the isFatal predicate) are counted and processing continues; a fatal
// error cancels remaining work and is returned. process receives the item
// index so workers can write results in place without extra synchronization.
func forEachIndexed(
	ctx context.Context,
	n, workers int,
	isFatal func(error) bool,
	process func(ctx context.Context, i int) error,
) (softErrs int, err error) {
	if n == 0 {
		return 0, ctx.Err()
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var (
		soft     atomic.Int64
		fatalMu  sync.Mutex
		fatalErr error
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if workerCtx.Err() != nil {
					return
				}
				procErr := process(workerCtx, i)
				if procErr == nil {
					continue
				}
				if isFatal(procErr) {
					fatalMu.Lock()
					if fatalErr == nil {
						fatalErr = procErr
					}
					fatalMu.Unlock()
					cancel()
					return
				}
				soft.Add(1)
			}
		}()
	}
	wg.Wait()

	if fatalErr != nil {
		return int(soft.Load()), fatalErr
	}
	return int(soft.Load()), ctx.Err()
}
