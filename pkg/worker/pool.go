package worker

import (
	"errors"
	"sync"
)

// WorkerPool owns a set of workers and the WaitGroup tracking their
// goroutines. Workers must be pushed before the pool is started; the
// pool can only be started once.
type WorkerPool struct {
	workers []Worker
	Wg      sync.WaitGroup
	started bool
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers currently inside the pool and
// spawns a goroutine for each, executing the workers 'Start' method.
//
// Start does NOT block, however consumers can wait on the WaitGroup
// in the pool if they wish.
func (pool *WorkerPool) Start() error {
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.Wg.Add(1)
		go func(wg *sync.WaitGroup, w Worker) {
			defer wg.Done()
			w.Start()
		}(&pool.Wg, worker)
	}

	return nil
}

// PushWorker inserts the workers provided in to the worker pool. An
// error is returned if the pool has already been started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers will search for sleeping workers in the pool
// and send on their WakeupChannel to rouse them.
func (pool *WorkerPool) WakeupWorkers() error {
	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		if w.Status() == SLEEPING {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

// Close will cycle through all the workers inside this worker pool,
// close their wakeup channels, and wait for their goroutines to finish.
func (pool *WorkerPool) Close() {
	if !pool.started {
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.Wg.Wait()
	pool.started = false
}
