package worker

import "github.com/reforged/reforge/pkg/logger"

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int

	// Task is the unit of work executed by a Worker. It is called
	// repeatedly while it reports that work was performed; once it
	// reports false the worker goes back to sleep until woken.
	Task func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Close()
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

type taskWorker struct {
	label         string
	task          Task
	wakeupChan    WorkerWakeupChan
	currentStatus WorkerStatus
}

func NewWorker(label string, task Task) *taskWorker {
	return &taskWorker{
		label:         label,
		task:          task,
		wakeupChan:    make(WorkerWakeupChan),
		currentStatus: SLEEPING,
	}
}

// Start runs the workers task in a loop until the task reports that
// no work remains, at which point the worker sleeps until it's woken
// via it's wakeup channel. A closed wakeup channel stops the worker.
// This method blocks and should typically be run via a WorkerPool.
func (worker *taskWorker) Start() {
	worker.currentStatus = WORKING
	for {
		for {
			didWork, err := worker.task(worker)
			if err != nil {
				workerLogger.Errorf("Worker %s task reported error(%T): %v\n", worker.label, err, err)
			}

			if !didWork {
				break
			}
		}

		if !worker.sleep() {
			return
		}
	}
}

func (worker *taskWorker) Status() WorkerStatus {
	return worker.currentStatus
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the WakeupChan.
// Note that this does not interrupt the task if it's
// currently running.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

func (worker *taskWorker) Label() string {
	return worker.label
}

// sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns a boolean that
// is 'false' if the wakeup channel was closed - indicating
// the worker should quit.
func (worker *taskWorker) sleep() (isAlive bool) {
	worker.currentStatus = SLEEPING

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.currentStatus = WORKING
	} else {
		worker.currentStatus = FINISHED
	}

	return isAlive
}
