package sse

import (
	"errors"
	"io"
	"strings"
)

const readChunkSize = 4096

// Accumulate reads r through a Decoder and returns the concatenated text
// deltas. Reading stops as soon as the terminal sentinel is decoded, or when
// r returns io.EOF, in which case the pending buffer is flushed with Finish.
//
// A read error other than io.EOF is returned together with the text
// accumulated so far; callers must treat that text as truncated.
func Accumulate(r io.Reader) (text string, sawDone bool, err error) {
	dec := NewDecoder()
	var sb strings.Builder
	collect := func(frames []Frame) {
		for _, f := range frames {
			switch f.Kind {
			case FrameDelta:
				sb.WriteString(f.Delta)
			case FrameDone:
				sawDone = true
			}
		}
	}

	buf := make([]byte, readChunkSize)
	for !dec.Done() {
		n, readErr := r.Read(buf)
		if n > 0 {
			collect(dec.Feed(buf[:n]))
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			collect(dec.Finish())
			break
		}
		return sb.String(), sawDone, readErr
	}
	return sb.String(), sawDone, nil
}
