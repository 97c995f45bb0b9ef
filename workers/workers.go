// Copyright (c) 2024 The ScientistCloud Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package workers holds the background goroutines that drive datasets
// through the pipeline: the upload scheduler, the conversion scheduler, and
// the staleness reaper. None of them share state; every handoff goes through
// the dataset store, where a guarded status write is the only claim
// mechanism. Any number of processes can run the same schedulers against one
// store.
package workers

import (
	"fmt"
	"os"
	"time"
)

// constructs the claim stamp written by this process's schedulers
func workerId(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}

// this type runs a scheduler's poll function on a heartbeat until stopped
type pollLoop struct {
	interval time.Duration
	stop     chan struct{}
	stopped  chan struct{}
	running  bool
}

func newPollLoop(interval time.Duration) *pollLoop {
	return &pollLoop{interval: interval}
}

// starts the heartbeat, calling poll() on every pulse; poll reports whether
// it found work, in which case it is called again immediately so a backlog
// drains at full speed
func (l *pollLoop) start(poll func() bool) error {
	if l.running {
		return &AlreadyRunningError{}
	}
	l.stop = make(chan struct{})
	l.stopped = make(chan struct{})
	l.running = true
	go func() {
		defer close(l.stopped)
		for {
			select {
			case <-time.After(l.interval):
				for poll() {
					select {
					case <-l.stop:
						return
					default:
					}
				}
			case <-l.stop:
				return
			}
		}
	}()
	return nil
}

// stops the heartbeat and waits for the current poll to finish
func (l *pollLoop) halt() error {
	if !l.running {
		return &NotRunningError{}
	}
	close(l.stop)
	<-l.stopped
	l.running = false
	return nil
}
