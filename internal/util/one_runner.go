package util

import (
	"sync"
)

// OneRunner runs a function in the background, at most one invocation at a
// time. Requests made while the function is running are folded into a
// single follow-up run.
type OneRunner struct {
	f       func()
	running bool
	pending bool
	closed  bool
	lock    sync.Mutex
	cond    *sync.Cond
}

func NewOneRunner(f func()) *OneRunner {
	r := &OneRunner{f: f}
	r.cond = sync.NewCond(&r.lock)
	return r
}

func (r *OneRunner) loop() {
	for {
		r.lock.Lock()
		run := r.pending && !r.closed
		r.pending = false
		if !run {
			r.running = false
			r.cond.Broadcast()
		}
		r.lock.Unlock()
		if !run {
			return
		}

		r.f()
	}
}

// Go requests a run and returns immediately. It returns false if the runner
// has been closed.
func (r *OneRunner) Go() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return false
	}
	r.pending = true
	if !r.running {
		r.running = true
		go r.loop()
	}
	return true
}

func (r *OneRunner) Running() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.running
}

// Wait blocks until no run is in progress or pending.
func (r *OneRunner) Wait() {
	r.lock.Lock()
	defer r.lock.Unlock()

	for r.running {
		r.cond.Wait()
	}
}

// Close drops any pending request, waits for an in-progress run to finish
// and rejects future requests.
func (r *OneRunner) Close() {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()
	r.Wait()
}
