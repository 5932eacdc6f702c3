package message

import (
	"encoding/binary"
	"fmt"
	"io"

	errs "github.com/c360/padrelay/errors"
)

const frameHeaderSize = 4

// WriteFrame writes payload prefixed with its big-endian uint32 length in a
// single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errs.WrapFatal(fmt.Errorf("%w: frame of %d bytes exceeds %d", errs.ErrProtocol, len(payload), MaxFrameSize),
			"message", "WriteFrame", "size check")
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return errs.WrapTransient(fmt.Errorf("%w: %w", errs.ErrTransport, err), "message", "WriteFrame", "write")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A declared length above max is a
// protocol error; io.EOF is returned unwrapped when the stream ends cleanly
// between frames.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.WrapTransient(fmt.Errorf("%w: %w", errs.ErrTransport, err), "message", "ReadFrame", "read header")
	}
	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(max) {
		return nil, errs.WrapFatal(fmt.Errorf("%w: frame of %d bytes exceeds %d", errs.ErrProtocol, size, max),
			"message", "ReadFrame", "size check")
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.WrapTransient(fmt.Errorf("%w: %w", errs.ErrTransport, err), "message", "ReadFrame", "read payload")
	}
	return payload, nil
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame and decodes it. Decode failures are returned as
// *DecodeError.
func ReadMessage(r io.Reader) (Message, error) {
	data, err := ReadFrame(r, MaxFrameSize)
	if err != nil {
		return Message{}, err
	}
	return Decode(data)
}
