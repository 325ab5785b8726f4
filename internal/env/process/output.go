package process

import (
	"bufio"
	"context"
	"io"
	"iter"
	"sync"
	"time"

	"taskplane/internal/env"
)

// output keeps every line a process printed so each Logs call can replay it.
type output struct {
	mu      sync.Mutex
	entries []env.LogEntry
	changed chan struct{}
	open    int
}

func newOutput(streams int) *output {
	return &output{changed: make(chan struct{}), open: streams}
}

// maxLineBytes splits longer lines into several entries.
const maxLineBytes = 1 << 20

// capture reads r line by line until EOF. The pipe is always read to the end so the
// process never blocks on a full pipe.
func (o *output) capture(stream env.Stream, r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				o.append(env.LogEntry{Stream: stream, Time: time.Now(), Content: string(line)})
			}
			break
		}
		line = append(line, chunk...)
		if isPrefix && len(line) < maxLineBytes {
			continue
		}
		o.append(env.LogEntry{Stream: stream, Time: time.Now(), Content: string(line)})
		line = line[:0]
	}
	o.mu.Lock()
	o.open--
	o.notifyLocked()
	o.mu.Unlock()
}

func (o *output) append(e env.LogEntry) {
	o.mu.Lock()
	o.entries = append(o.entries, e)
	o.notifyLocked()
	o.mu.Unlock()
}

func (o *output) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

// from returns the entries after index i, whether more may come, and a channel closed
// on the next change.
func (o *output) from(i int) ([]env.LogEntry, bool, <-chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries[i:], o.open > 0, o.changed
}

// stream replays all output and follows it until both streams closed.
func (o *output) stream(ctx context.Context) iter.Seq2[env.LogEntry, error] {
	return func(yield func(env.LogEntry, error) bool) {
		next := 0
		for {
			batch, more, changed := o.from(next)
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			next += len(batch)
			if !more && len(batch) == 0 {
				return
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}
}
