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

package capability

// Request is a capability request. Bind services it; it is called at most once.
type Request struct {
	Interface string
	Bind      func()
}

// DeferredQueue holds Defer-class requests until activation. It is not safe for concurrent use; it lives on the
// registry's task sequence with the candidate that owns it.
type DeferredQueue struct {
	pending []Request
	closed  bool
}

// Push queues a request. Requests pushed after the queue was released or dropped are ignored and reported false.
func (q *DeferredQueue) Push(req Request) bool {
	if q.closed {
		return false
	}
	q.pending = append(q.pending, req)
	return true
}

// Len returns the number of queued requests.
func (q *DeferredQueue) Len() int { return len(q.pending) }

// Release services every queued request in arrival order and closes the queue. It returns the number released.
func (q *DeferredQueue) Release() int {
	if q.closed {
		return 0
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	for _, req := range pending {
		if req.Bind != nil {
			req.Bind()
		}
	}
	return len(pending)
}

// Drop discards every queued request without servicing it and closes the queue.
func (q *DeferredQueue) Drop() int {
	n := len(q.pending)
	q.pending = nil
	q.closed = true
	return n
}
