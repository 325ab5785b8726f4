package docker

import (
	"bytes"
	"context"
	"io"
	"iter"

	"github.com/docker/docker/pkg/stdcopy"

	"taskplane/internal/env"
)

// demux splits a multiplexed, timestamped docker log stream into entries. Frames are
// decoded in order so stdout and stderr lines keep their relative order.
func demux(ctx context.Context, r io.Reader) iter.Seq2[env.LogEntry, error] {
	return func(yield func(env.LogEntry, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		entries := make(chan env.LogEntry)
		done := make(chan error, 1)
		go func() {
			stdout := &lineWriter{ctx: ctx, stream: env.StreamStdout, out: entries}
			stderr := &lineWriter{ctx: ctx, stream: env.StreamStderr, out: entries}
			_, err := stdcopy.StdCopy(stdout, stderr, r)
			if err == nil {
				err = stdout.flush()
			}
			if err == nil {
				err = stderr.flush()
			}
			done <- err
			close(entries)
		}()

		for entry := range entries {
			if !yield(entry, nil) {
				return
			}
		}
		if err := <-done; err != nil && ctx.Err() == nil {
			yield(env.LogEntry{}, err)
		}
	}
}

// lineWriter turns written bytes into one LogEntry per line.
type lineWriter struct {
	ctx    context.Context
	stream env.Stream
	out    chan<- env.LogEntry
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if err := w.emit(line); err != nil {
			return 0, err
		}
	}
}

func (w *lineWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := string(w.buf)
	w.buf = nil
	return w.emit(line)
}

func (w *lineWriter) emit(line string) error {
	entry := env.ParseLogLine(w.stream, line)
	select {
	case w.out <- entry:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}
