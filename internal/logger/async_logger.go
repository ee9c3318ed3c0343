// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"io"
)

// AsyncLogger decouples log writes from the single-threaded dispatch loop:
// Write copies the message into a bounded channel and returns immediately; a
// background goroutine drains the channel into the wrapped writer (normally a
// *lumberjack.Logger doing file rotation). The Tracer's dispatch loop must
// never block on disk I/O for a log line.
type AsyncLogger struct {
	w       io.WriteCloser
	msgs    chan []byte
	done    chan struct{}
	dropped int64
}

// NewAsyncLogger starts the draining goroutine and returns the logger. bufferSize
// is the number of pending messages the channel holds before new writes are
// dropped rather than blocking the caller.
func NewAsyncLogger(w io.WriteCloser, bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	a := &AsyncLogger{
		w:    w,
		msgs: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for msg := range a.msgs {
		_, _ = a.w.Write(msg)
	}
}

// Write implements io.Writer. The slice is copied so the caller's buffer
// (commonly reused by fmt) may be mutated after Write returns.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case a.msgs <- buf:
	default:
		a.dropped++
	}
	return len(p), nil
}

// Dropped returns the number of messages discarded because the buffer was full.
func (a *AsyncLogger) Dropped() int64 { return a.dropped }

// Close drains remaining messages, closes the underlying writer, and waits
// for the background goroutine to exit.
func (a *AsyncLogger) Close() error {
	close(a.msgs)
	<-a.done
	return a.w.Close()
}
