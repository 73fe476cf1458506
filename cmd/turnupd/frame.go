package main

import (
	"fmt"
	"io"
	"math"
)

// ============================================================================
// Serial frame codec
// ============================================================================
// The device speaks a tiny framed binary protocol (see constants.go for the
// byte layout). Inbound frames are decoded into the Frame union below; the
// only outbound frame is the LED packet.
//
// Decode policy: scan for the start marker, use the opcode to determine the
// expected frame length, then verify the trailing terminator. Anything that
// doesn't line up (unknown opcode, wrong terminator) discards the start
// marker byte and resumes scanning, so a corrupted byte can only ever cost
// the frames it overlaps. Malformed frames are counted, never fatal.
// ============================================================================

// Frame is one decoded unit of the serial wire protocol.
type Frame interface {
	frameMarker()
}

// Heartbeat is sent by the firmware about once a second.
type Heartbeat struct{}

func (Heartbeat) frameMarker() {}

// ButtonEvent is a raw (pre-debounce) button transition.
type ButtonEvent struct {
	ID      int
	Pressed bool
}

func (ButtonEvent) frameMarker() {}

// KnobEvent is a raw knob position report. Raw is the 10-bit ADC value.
type KnobEvent struct {
	ID  int
	Raw int
}

func (KnobEvent) frameMarker() {}

// frameLength returns the total frame length (start marker through
// terminator) for an opcode, or 0 if the opcode is unknown.
func frameLength(op byte) int {
	switch op {
	case opHeartbeat:
		return 3
	case opButtonPress, opButtonRelease:
		return 4
	case opKnob:
		return 6
	default:
		return 0
	}
}

// Decoder turns a raw serial byte stream into a sequence of Frames.
//
// It is restartable per connection: allocate a fresh Decoder after reopening
// the port. Not safe for concurrent use; the serial read loop is the only
// caller.
type Decoder struct {
	r   io.Reader
	buf []byte

	pending []Frame

	malformed uint64
	chunk     [64]byte
}

// NewDecoder wraps a raw byte stream (typically the open serial port).
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Malformed returns how many malformed frames were discarded so far.
func (d *Decoder) Malformed() uint64 { return d.malformed }

// Next returns the next decoded frame. It blocks on the underlying reader
// until a complete frame is available and only returns an error when the
// reader itself fails (EOF, closed port). Malformed bytes are skipped
// silently and counted.
func (d *Decoder) Next() (Frame, error) {
	for {
		if len(d.pending) > 0 {
			f := d.pending[0]
			d.pending = d.pending[1:]
			return f, nil
		}

		n, err := d.r.Read(d.chunk[:])
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			d.parse()
		}
		if err != nil {
			// Flush any frame completed by the final chunk before
			// surfacing the transport error.
			if len(d.pending) > 0 {
				continue
			}
			return nil, err
		}
	}
}

// parse consumes complete frames from d.buf, appending them to d.pending.
// An incomplete frame at the tail of the buffer is preserved for the next
// read, so frames split across read boundaries are never lost.
func (d *Decoder) parse() {
	buf := d.buf
	i := 0
	for i < len(buf) {
		if buf[i] != frameStart {
			i++
			continue
		}
		if i+1 >= len(buf) {
			break // opcode not yet received
		}

		length := frameLength(buf[i+1])
		if length == 0 {
			// Unknown opcode: drop the start marker, rescan from the
			// opcode byte (it may itself start a valid frame).
			d.malformed++
			i++
			continue
		}
		if i+length > len(buf) {
			break // frame not yet complete
		}
		if buf[i+length-1] != frameEnd {
			d.malformed++
			i++
			continue
		}

		switch buf[i+1] {
		case opHeartbeat:
			d.pending = append(d.pending, Heartbeat{})
		case opButtonPress:
			d.pending = append(d.pending, ButtonEvent{ID: int(buf[i+2]), Pressed: true})
		case opButtonRelease:
			d.pending = append(d.pending, ButtonEvent{ID: int(buf[i+2]), Pressed: false})
		case opKnob:
			raw := (int(buf[i+3])<<8 | int(buf[i+4])) & 0x3FF
			d.pending = append(d.pending, KnobEvent{ID: int(buf[i+2]), Raw: raw})
		}
		i += length
	}

	// Keep the unconsumed tail. Copy instead of re-slicing so the buffer
	// doesn't grow without bound on a chatty device.
	d.buf = append(d.buf[:0], buf[i:]...)
}

// EncodeFrame renders a Frame back to wire bytes. Used by tests and by the
// knob simulator; the daemon itself only encodes LED packets.
func EncodeFrame(f Frame) ([]byte, error) {
	switch f := f.(type) {
	case Heartbeat:
		return []byte{frameStart, opHeartbeat, frameEnd}, nil
	case ButtonEvent:
		op := opButtonRelease
		if f.Pressed {
			op = opButtonPress
		}
		return []byte{frameStart, op, byte(f.ID), frameEnd}, nil
	case KnobEvent:
		raw := f.Raw & 0x3FF
		return []byte{frameStart, opKnob, byte(f.ID), byte(raw >> 8), byte(raw & 0xFF), frameEnd}, nil
	default:
		return nil, fmt.Errorf("unsupported frame type: %T", f)
	}
}

// BuildLEDPacket renders the 47-byte LED update frame covering all knobs.
// Each knob's color is repeated for every LED in its ring.
func BuildLEDPacket(colors [numKnobs]RGB) []byte {
	pkt := make([]byte, 0, 2+numKnobs*ledsPerKnob*3+1)
	pkt = append(pkt, frameStart, opLEDs)
	for _, c := range colors {
		for i := 0; i < ledsPerKnob; i++ {
			pkt = append(pkt, c[0], c[1], c[2])
		}
	}
	return append(pkt, frameEnd)
}

// knobPercent scales a raw knob value onto a 0..scale percent range.
// The result is not rounded; rounding happens when a command is emitted.
func knobPercent(raw int, scale float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > knobMax {
		raw = knobMax
	}
	return float64(raw) / knobMax * scale
}

// knobNorm maps a raw knob value onto [0,1] for LED interpolation.
func knobNorm(raw int) float64 {
	if raw < 0 {
		return 0
	}
	if raw > knobMax {
		return 1
	}
	return float64(raw) / knobMax
}

// roundPercent rounds a scaled percent to the integer value handed to the
// audio backend.
func roundPercent(p float64) float64 {
	return math.Round(p)
}
