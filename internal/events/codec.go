package events

import (
	"encoding/binary"
	"fmt"
	"io"
)

// encoder writes primitive fields, latching the first error.
type encoder struct {
	w   io.Writer
	err error
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w}
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}

	_, e.err = e.w.Write(p)
}

func (e *encoder) u8(v uint8) {
	e.write([]byte{v})
}

func (e *encoder) u32(v uint32) {
	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], v)
	e.write(buf[:])
}

func (e *encoder) i64(v int64) {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	e.write(buf[:])
}

func (e *encoder) uvarint(v uint64) {
	var buf [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(buf[:], v)
	e.write(buf[:n])
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) bytes(p []byte) {
	e.uvarint(uint64(len(p)))
	e.write(p)
}

func (e *encoder) str(s string) {
	e.uvarint(uint64(len(s)))
	e.write([]byte(s))
}

func (e *encoder) strings(values []string) {
	e.uvarint(uint64(len(values)))

	for _, v := range values {
		e.str(v)
	}
}

// decoder reads primitive fields, latching the first error.
type decoder struct {
	r   io.ByteReader
	rd  io.Reader
	err error
}

// byteReaderAdapter lets any reader serve varint decoding.
type byteReaderAdapter struct {
	r io.Reader
}

func (a byteReaderAdapter) ReadByte() (byte, error) {
	var buf [1]byte

	_, err := io.ReadFull(a.r, buf[:])

	return buf[0], err
}

func newDecoder(r io.Reader) *decoder {
	br, ok := r.(interface {
		io.Reader
		io.ByteReader
	})
	if ok {
		return &decoder{r: br, rd: br}
	}

	return &decoder{r: byteReaderAdapter{r: r}, rd: r}
}

func (d *decoder) read(p []byte) {
	if d.err != nil {
		return
	}

	_, d.err = io.ReadFull(d.rd, p)
}

func (d *decoder) u8() uint8 {
	var buf [1]byte

	d.read(buf[:])

	return buf[0]
}

func (d *decoder) u32() uint32 {
	var buf [4]byte

	d.read(buf[:])

	return binary.LittleEndian.Uint32(buf[:])
}

func (d *decoder) i64() int64 {
	var buf [8]byte

	d.read(buf[:])

	return int64(binary.LittleEndian.Uint64(buf[:]))
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}

	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.err = err

		return 0
	}

	return v
}

func (d *decoder) bool() bool {
	return d.u8() != 0
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil || n == 0 {
		return nil
	}

	out := make([]byte, n)

	d.read(out)

	if d.err != nil {
		return nil
	}

	return out
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) strings() []string {
	n := d.uvarint()
	if d.err != nil || n == 0 {
		return nil
	}

	out := make([]string, 0, n)

	for range n {
		out = append(out, d.str())
	}

	return out
}

// Frame is one binary-log frame: header plus undecoded payload.
type Frame struct {
	ID        EventID
	WorkerID  uint32
	Timestamp int64
	Payload   []byte
}

// WriteFrame writes one event as a binary frame.
func WriteFrame(w io.Writer, id EventID, workerID uint32, timestamp int64, payload []byte) error {
	enc := newEncoder(w)
	enc.u8(uint8(id))
	enc.uvarint(uint64(workerID))
	enc.i64(timestamp)
	enc.uvarint(uint64(len(payload)))
	enc.write(payload)

	if enc.err != nil {
		return fmt.Errorf("write event frame: %w", enc.err)
	}

	return nil
}

// ReadFrame reads one binary frame. io.EOF at a frame boundary is returned
// unwrapped so callers can detect a clean end of stream.
func ReadFrame(r io.Reader) (Frame, error) {
	dec := newDecoder(r)

	id := dec.u8()
	if dec.err != nil {
		if dec.err == io.EOF {
			return Frame{}, io.EOF
		}

		return Frame{}, fmt.Errorf("read event frame header: %w", dec.err)
	}

	frame := Frame{
		ID:        EventID(id),
		WorkerID:  uint32(dec.uvarint()),
		Timestamp: dec.i64(),
		Payload:   dec.bytes(),
	}

	if dec.err != nil {
		return Frame{}, fmt.Errorf("read event frame: %w", dec.err)
	}

	return frame, nil
}
