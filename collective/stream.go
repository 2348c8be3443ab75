// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Task is a unit of work executed by a Stream.
type Task func() error

// ErrStreamClosed is returned by Stream.Synchronize after the stream was closed.
var ErrStreamClosed = errors.New("stream closed")

// Stream executes tasks asynchronously, one at a time, in the order they were enqueued.
//
// The first error returned by a task is sticky: the following tasks are discarded and every
// later Synchronize returns it. A stream in error stays in error.
//
// Enqueue and Synchronize are safe for concurrent use, but ordering among tasks enqueued by
// different goroutines is the order in which Enqueue was called.
type Stream struct {
	name string

	mu     sync.Mutex
	cond   sync.Cond // Signaled whenever queue changes or the stream closes.
	queue  []streamEntry
	err    error
	closed bool

	done chan struct{}
}

type streamEntry struct {
	task Task

	// barrier is closed when the entry is reached, even if the stream is in error.
	barrier chan struct{}
}

// NewStream creates a Stream and starts its goroutine. Call Close to stop it.
func NewStream(name string) *Stream {
	s := &Stream{name: name, done: make(chan struct{})}
	s.cond = sync.Cond{L: &s.mu}
	go s.loop()
	return s
}

// Name of the stream, used in logs and errors.
func (s *Stream) Name() string { return s.name }

func (s *Stream) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			// Closed and drained.
			s.mu.Unlock()
			return
		}
		entry := s.queue[0]
		s.queue = s.queue[1:]
		inError := s.err != nil
		s.mu.Unlock()

		if entry.barrier != nil {
			close(entry.barrier)
			continue
		}
		if inError {
			continue
		}
		if err := entry.task(); err != nil {
			klog.V(1).Infof("stream %q: task failed: %v", s.name, err)
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// Enqueue task to be executed after all the tasks previously enqueued. If the stream is in error
// or closed, the task is discarded.
func (s *Stream) Enqueue(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.queue = append(s.queue, streamEntry{task: task})
	s.cond.Signal()
}

// Synchronize waits for all the tasks enqueued before it to finish, and returns the sticky error of
// the stream, if any.
func (s *Stream) Synchronize() error {
	barrier := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrapf(ErrStreamClosed, "stream %q", s.name)
	}
	s.queue = append(s.queue, streamEntry{barrier: barrier})
	s.cond.Signal()
	s.mu.Unlock()

	<-barrier
	return s.Err()
}

// Err returns the sticky error of the stream, without waiting.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream after the already enqueued tasks are executed (or discarded, if the stream
// is in error). It waits for the stream goroutine to exit.
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
	<-s.done
}
