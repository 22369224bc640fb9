package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// ErrChecksum is returned when a record fails its integrity check.
// Recovery treats it as the torn tail of the log and stops there.
var ErrChecksum = errors.New("wal: record checksum mismatch")

// Record wire format, little-endian:
//
//	[len:4][xxhash64:8][kind:1][seq:8][tx:8][body...]
//
// len covers kind through body; the hash covers the same range.
func (w *WAL) encodeEntry(e *Entry) error {
	body := appendBody(w.scratch[:0], e)
	w.scratch = body

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint64(hdr[4:12], xxhash.Sum64(body))
	if _, err := w.writer.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.writer.Write(body)
	return err
}

func appendBody(b []byte, e *Entry) []byte {
	b = append(b, byte(e.Kind))
	b = binary.LittleEndian.AppendUint64(b, e.SeqNum)
	b = binary.LittleEndian.AppendUint64(b, e.TxID)

	switch e.Kind {
	case KindBegin, KindCommit:
		b = binary.LittleEndian.AppendUint64(b, e.Version)
	case KindAlloc:
		b = appendObjRef(b, e)
		b = binary.LittleEndian.AppendUint32(b, e.Size)
		b = binary.LittleEndian.AppendUint16(b, e.Ptrs)
		b = append(b, e.Class)
		b = appendBytes(b, e.Payload)
	case KindPtrSet:
		b = appendObjRef(b, e)
		b = binary.LittleEndian.AppendUint16(b, e.Field)
		b = binary.LittleEndian.AppendUint64(b, e.Target)
	case KindDelta:
		b = appendObjRef(b, e)
		b = binary.LittleEndian.AppendUint32(b, e.DeltaOff)
		b = appendBytes(b, e.Payload)
	case KindMerge:
		b = appendObjRef(b, e)
		b = appendBytes(b, []byte(e.Name))
		b = appendBytes(b, e.Payload)
	case KindCheckpoint:
		// No body beyond the common fields.
	}
	return b
}

func appendObjRef(b []byte, e *Entry) []byte {
	b = binary.LittleEndian.AppendUint16(b, e.Src)
	b = binary.LittleEndian.AppendUint64(b, e.ExtentOff)
	b = binary.LittleEndian.AppendUint32(b, e.ObjOff)
	return b
}

func appendBytes(b, p []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p)))
	return append(b, p...)
}

func decodeEntry(r io.Reader, e *Entry) error {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n < 17 || n > maxRecordLen {
		return fmt.Errorf("wal: implausible record length %d: %w", n, ErrChecksum)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Torn tail.
			return io.EOF
		}
		return err
	}
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(hdr[4:12]) {
		return ErrChecksum
	}

	d := decoder{buf: body}
	e.Kind = Kind(d.u8())
	e.SeqNum = d.u64()
	e.TxID = d.u64()

	switch e.Kind {
	case KindBegin, KindCommit:
		e.Version = d.u64()
	case KindAlloc:
		d.objRef(e)
		e.Size = d.u32()
		e.Ptrs = d.u16()
		e.Class = d.u8()
		e.Payload = d.bytes()
	case KindPtrSet:
		d.objRef(e)
		e.Field = d.u16()
		e.Target = d.u64()
	case KindDelta:
		d.objRef(e)
		e.DeltaOff = d.u32()
		e.Payload = d.bytes()
	case KindMerge:
		d.objRef(e)
		e.Name = string(d.bytes())
		e.Payload = d.bytes()
	case KindCheckpoint:
	default:
		return fmt.Errorf("wal: unknown record kind %d: %w", e.Kind, ErrChecksum)
	}
	if d.err != nil {
		return fmt.Errorf("wal: truncated record body: %w", ErrChecksum)
	}
	return nil
}

const maxRecordLen = 64 << 20

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil || len(d.buf) < n {
		d.err = io.ErrUnexpectedEOF
		return make([]byte, n)
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) u8() uint8   { return d.take(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.take(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.take(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.take(8)) }

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if d.err != nil || len(d.buf) < n {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	out := make([]byte, n)
	copy(out, d.take(n))
	return out
}

func (d *decoder) objRef(e *Entry) {
	e.Src = d.u16()
	e.ExtentOff = d.u64()
	e.ObjOff = d.u32()
}
