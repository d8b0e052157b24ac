// Package streamtee splits one byte stream into two independently read
// copies.
package streamtee

import (
	"errors"
	"io"
	"sync"
)

const (
	readSize  = 32 << 10
	highWater = 64 << 10
)

// ErrClosed is returned by Read on a branch that has been closed.
var ErrClosed = errors.New("streamtee: read on closed branch")

// New starts pumping src and returns its two branches. Both branches see the
// same bytes in the same order. Each branch buffers independently: a reader
// that stalls never blocks the other one, and closing one branch leaves the
// other untouched. src is closed once it is exhausted or both branches are
// closed.
func New(src io.ReadCloser) (a, b io.ReadCloser) {
	t := &tee{src: src}
	t.cond = sync.NewCond(&t.mu)
	t.branches[0] = &branch{t: t}
	t.branches[1] = &branch{t: t}
	go t.pump()
	return t.branches[0], t.branches[1]
}

type tee struct {
	src io.ReadCloser

	mu       sync.Mutex
	cond     *sync.Cond
	branches [2]*branch
	err      error // terminal source error, io.EOF on a clean end
	srcDone  bool
}

type branch struct {
	t      *tee
	queue  [][]byte
	queued int
	closed bool
}

func (t *tee) pump() {
	defer t.closeSource()
	for {
		if !t.waitForDemand() {
			return
		}
		buf := make([]byte, readSize)
		n, err := t.src.Read(buf)

		t.mu.Lock()
		if n > 0 {
			chunk := buf[:n]
			for _, br := range t.branches {
				if br.closed {
					continue
				}
				br.queue = append(br.queue, chunk)
				br.queued += n
			}
		}
		if err != nil {
			t.err = err
		}
		t.cond.Broadcast()
		t.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// waitForDemand blocks until some open branch is below the high-water mark.
// It returns false when both branches are closed.
func (t *tee) waitForDemand() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		open := false
		for _, br := range t.branches {
			if br.closed {
				continue
			}
			open = true
			if br.queued < highWater {
				return true
			}
		}
		if !open {
			return false
		}
		t.cond.Wait()
	}
}

func (t *tee) closeSource() {
	t.mu.Lock()
	if t.srcDone {
		t.mu.Unlock()
		return
	}
	t.srcDone = true
	t.mu.Unlock()
	_ = t.src.Close()
}

func (b *branch) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(b.queue) == 0 && t.err == nil && !b.closed {
		t.cond.Wait()
	}
	if b.closed {
		return 0, ErrClosed
	}
	if len(b.queue) == 0 {
		return 0, t.err
	}

	n := copy(p, b.queue[0])
	if n == len(b.queue[0]) {
		b.queue[0] = nil
		b.queue = b.queue[1:]
	} else {
		b.queue[0] = b.queue[0][n:]
	}
	b.queued -= n
	// Dropping below the mark may unblock the pump.
	t.cond.Broadcast()
	return n, nil
}

func (b *branch) Close() error {
	t := b.t
	t.mu.Lock()
	if b.closed {
		t.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	b.queued = 0
	bothClosed := t.branches[0].closed && t.branches[1].closed
	t.cond.Broadcast()
	t.mu.Unlock()

	if bothClosed {
		// Unblocks a pump parked in src.Read.
		t.closeSource()
	}
	return nil
}
