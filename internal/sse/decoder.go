// Package sse decodes the chat-completion event stream produced by an
// OpenAI-compatible gateway.
//
// The Decoder is an explicit state machine: bytes are handed to Feed as they
// arrive from the network, and Finish is called once when the stream ends.
// Incomplete lines are held in a pending buffer between calls, so chunk
// boundaries may fall anywhere, including inside a multi-byte rune or a JSON
// payload.
package sse

import (
	"bytes"
	"encoding/json"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// FrameKind distinguishes text deltas from the terminal sentinel.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameDone
)

// Frame is one decoded protocol event.
type Frame struct {
	Kind  FrameKind
	Delta string
}

// chunkPayload is the minimal shape of a streamed completion chunk.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder incrementally turns event-stream bytes into Frames.
// It is not safe for concurrent use.
type Decoder struct {
	pending []byte
	done    bool
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether the terminal sentinel has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Pending returns the number of bytes buffered but not yet decoded.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Feed appends p to the pending buffer and decodes every complete line.
//
// When a data line carries a payload that is not valid JSON, the line stays
// at the head of the buffer and decoding of the current chunk stops; it is
// retried on the next Feed and finally resolved by Finish.
func (d *Decoder) Feed(p []byte) []Frame {
	if d.done {
		return nil
	}
	d.pending = append(d.pending, p...)

	var frames []Frame
	off := 0
	for {
		i := bytes.IndexByte(d.pending[off:], '\n')
		if i < 0 {
			break
		}
		line := d.pending[off : off+i]
		frame, ok, complete := decodeLine(line)
		if !complete {
			break
		}
		off += i + 1
		if !ok {
			continue
		}
		frames = append(frames, frame)
		if frame.Kind == FrameDone {
			d.done = true
			d.pending = nil
			return frames
		}
	}
	d.pending = append(d.pending[:0], d.pending[off:]...)
	return frames
}

// Finish decodes whatever remains in the pending buffer, including a final
// line without a trailing newline. Lines that still fail to parse are
// dropped. Finish leaves the Decoder in the terminal state.
func (d *Decoder) Finish() []Frame {
	if d.done {
		return nil
	}
	rest := d.pending
	d.pending = nil
	d.done = true

	var frames []Frame
	for _, line := range bytes.Split(rest, []byte{'\n'}) {
		frame, ok, _ := decodeLine(line)
		if !ok {
			continue
		}
		frames = append(frames, frame)
		if frame.Kind == FrameDone {
			break
		}
	}
	return frames
}

// decodeLine classifies one line without its terminator. ok reports whether a
// frame was produced; complete is false only for a data line whose payload is
// not yet valid JSON.
func decodeLine(line []byte) (frame Frame, ok, complete bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return Frame{}, false, true
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Frame{}, false, true
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneSentinel {
		return Frame{Kind: FrameDone}, true, true
	}
	if !json.Valid(payload) {
		return Frame{}, false, false
	}

	var chunk chunkPayload
	// Type mismatches (a non-object payload, a null delta) simply yield no text.
	_ = json.Unmarshal(payload, &chunk)
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return Frame{}, false, true
	}
	return Frame{Kind: FrameDelta, Delta: chunk.Choices[0].Delta.Content}, true, true
}
