package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// FetchAll downloads objects into dir with at most concurrency transfers in
// flight. It returns the local path of each object. The first failure is
// returned after every started transfer has finished.
func FetchAll(ctx context.Context, store ObjectStorage, objectPaths []string, dir string, concurrency int) (map[string]string, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		local    = make(map[string]string, len(objectPaths))
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, obj := range objectPaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(err)
			break
		}
		dest := filepath.Join(dir, strings.ReplaceAll(obj, "/", "_"))

		wg.Add(1)
		go func(obj, dest string) {
			defer wg.Done()
			defer sem.Release(1)

			if err := store.Download(ctx, obj, dest); err != nil {
				fail(fmt.Errorf("fetch %s: %w", obj, err))
				return
			}
			mu.Lock()
			local[obj] = dest
			mu.Unlock()
		}(obj, dest)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return local, nil
}
