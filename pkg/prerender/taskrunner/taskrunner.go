/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package taskrunner provides the serialized task sequence all registry state lives on.
//
// Every registry and candidate mutation runs as a task on a single `Runner`. Work done elsewhere (network fetches,
// timers, HTTP handlers) reports back by posting a task, so registry state never needs a lock.
//
// Two execution styles are supported:
//   - Production: one goroutine calls `Run`, which executes tasks as they are posted until the context is cancelled.
//   - Tests: nobody calls `Run`; the test drives the sequence deterministically with `RunPending`.
package taskrunner

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by `Do` when the runner stops before the task executed.
var ErrStopped = errors.New("task runner stopped")

// Runner is a FIFO task sequence. It is safe to post from any goroutine.
type Runner struct {
	mu      sync.Mutex
	tasks   *list.List
	wake    chan struct{}
	stopped bool
}

// New creates an empty runner.
func New() *Runner {
	return &Runner{
		tasks: list.New(),
		wake:  make(chan struct{}, 1),
	}
}

// Post appends a task. Tasks posted after the runner stopped are dropped.
func (r *Runner) Post(task func()) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.tasks.PushBack(task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) pop() (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	front := r.tasks.Front()
	if front == nil {
		return nil, false
	}
	r.tasks.Remove(front)
	return front.Value.(func()), true
}

// RunPending executes tasks until the queue is empty, including tasks posted by the tasks it runs. It returns the
// number of tasks executed. It must not be called concurrently with `Run`.
func (r *Runner) RunPending() int {
	n := 0
	for {
		task, ok := r.pop()
		if !ok {
			return n
		}
		task()
		n++
	}
}

// Len returns the number of queued tasks.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.Len()
}

// Run executes tasks as they arrive until ctx is cancelled. Tasks still queued at that point are discarded.
func (r *Runner) Run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.stopped = true
		r.tasks.Init()
		r.mu.Unlock()
	}()
	for {
		r.RunPending()
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
	}
}

// Do posts fn and blocks until it has run or ctx is done. It must not be called from a task on the same runner.
func (r *Runner) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	r.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
