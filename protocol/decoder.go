package protocol

import (
	"encoding/binary"

	"frame-rpc/loop"
)

type decodeState int

const (
	awaitingLength decodeState = iota
	awaitingPayload
)

// Decoder reconstructs frames from a stream fed to it in arbitrarily sized chunks.
//
// A single chunk may complete many frames and a single frame may straddle many chunks.
// Completed payloads are posted to the scheduler in completion order; onFrame is never
// called from inside Feed.
//
// A Decoder belongs to one connection and must be fed from a single goroutine.
type Decoder struct {
	sched   loop.Scheduler
	onFrame func(payload []byte)
	buf     []byte
	state   decodeState
	need    uint32 // payload length while awaitingPayload
}

// NewDecoder creates a Decoder that posts every completed payload to sched.
func NewDecoder(sched loop.Scheduler, onFrame func(payload []byte)) *Decoder {
	return &Decoder{
		sched:   sched,
		onFrame: onFrame,
		state:   awaitingLength,
	}
}

// Feed appends chunk to the decode buffer and schedules delivery of every frame it completes.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)

	for {
		if d.state == awaitingLength {
			if len(d.buf) < LengthSize {
				break
			}
			d.need = binary.BigEndian.Uint32(d.buf[:LengthSize])
			d.buf = d.buf[LengthSize:]
			d.state = awaitingPayload
		}

		if uint64(len(d.buf)) < uint64(d.need) {
			break
		}

		// Copy out so the payload does not pin (or get overwritten through) the decode buffer.
		payload := make([]byte, d.need)
		copy(payload, d.buf[:d.need])
		d.buf = d.buf[d.need:]
		d.state = awaitingLength

		d.sched.Post(func() { d.onFrame(payload) })
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// Buffered returns the number of bytes held that do not yet form a complete frame,
// including a partially received length prefix.
func (d *Decoder) Buffered() int {
	if d.state == awaitingPayload {
		return LengthSize + len(d.buf)
	}
	return len(d.buf)
}
