package analyzer

import "sync"

// job is one unit of analysis work queued on an Executor.
type job struct {
	run  func() (Result, error)
	done chan jobOutcome
}

type jobOutcome struct {
	result Result
	err    error
}

// Executor runs jobs one at a time on a dedicated goroutine, the Go
// equivalent of a single-thread Qt worker: indexation and on-demand
// analysis get their own Executor so a large library scan never delays an
// on-demand hash lookup triggered by an incoming client request.
type Executor struct {
	jobs chan job
	once sync.Once
	stop chan struct{}
}

// NewExecutor starts the worker goroutine and returns the executor. Close
// must be called to release it.
func NewExecutor() *Executor {
	e := &Executor{
		jobs: make(chan job, 64),
		stop: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	for {
		select {
		case j := <-e.jobs:
			result, err := j.run()
			j.done <- jobOutcome{result: result, err: err}
		case <-e.stop:
			return
		}
	}
}

// Submit queues run to execute on the worker goroutine and blocks until it
// completes, returning its result.
func (e *Executor) Submit(run func() (Result, error)) (Result, error) {
	j := job{run: run, done: make(chan jobOutcome, 1)}
	e.jobs <- j
	out := <-j.done
	return out.result, out.err
}

// Close stops the worker goroutine. Safe to call multiple times.
func (e *Executor) Close() {
	e.once.Do(func() { close(e.stop) })
}

// Executors bundles the two executors the indexer needs: a background one
// for full-library scans, and a priority one for on-demand requests (e.g. a
// client asking to hash a single newly-added file) that must not wait
// behind a long scan.
type Executors struct {
	Indexation *Executor
	OnDemand   *Executor
}

// NewExecutors creates both executors.
func NewExecutors() *Executors {
	return &Executors{Indexation: NewExecutor(), OnDemand: NewExecutor()}
}

// Close stops both executors.
func (e *Executors) Close() {
	e.Indexation.Close()
	e.OnDemand.Close()
}
