package logger

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// asyncWriter moves log lines off the caller goroutine and fans them out to sinks.
type asyncWriter struct {
	lines   chan []byte
	flushes chan chan error
	done    chan struct{}
	close   sync.Once

	mu    sync.Mutex
	sinks []*bufio.Writer
	err   error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	w := &asyncWriter{
		lines:   make(chan []byte, 256),
		flushes: make(chan chan error),
		done:    make(chan struct{}),
	}
	for _, out := range writers {
		if out != nil {
			w.sinks = append(w.sinks, bufio.NewWriterSize(out, bufSize))
		}
	}
	go w.loop()
	return w
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				w.setErr(w.flushAll())
				return
			}
			w.setErr(w.writeAll(line))
		case ack := <-w.flushes:
			ack <- w.flushAll()
		}
	}
}

// Write copies p and queues it. It blocks when the queue is full rather than drop lines.
func (w *asyncWriter) Write(p []byte) error {
	if err := w.firstErr(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	w.lines <- append([]byte(nil), p...)
	return nil
}

// Flush waits until everything queued so far reached the sinks.
func (w *asyncWriter) Flush() error {
	ack := make(chan error, 1)
	select {
	case w.flushes <- ack:
		return <-ack
	case <-w.done:
		return w.firstErr()
	}
}

// Close drains the queue and returns the first write error seen.
func (w *asyncWriter) Close() error {
	w.close.Do(func() { close(w.lines) })
	<-w.done
	return w.firstErr()
}

func (w *asyncWriter) writeAll(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sink := range w.sinks {
		if _, err := sink.Write(p); err != nil {
			return err
		}
		if err := sink.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (w *asyncWriter) flushAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, sink := range w.sinks {
		if err := sink.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) firstErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *asyncWriter) setErr(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}
