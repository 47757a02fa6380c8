package tcpconn

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

const (
	headerSize = 14

	// MaxFrameSize limits the payload of a single frame.
	MaxFrameSize = 20 << 20

	StatusOK uint16 = 0
	// StatusNotMyPartition is sent by a node for keys it doesn't own.
	StatusNotMyPartition uint16 = 7
)

var ErrFrameTooLarge = errors.New("frame too large")

// frame is a single message on the wire:
//
//	8 bytes  request ID (big endian)
//	2 bytes  status, 0 for success
//	4 bytes  payload length
//	N bytes  payload
//
// Responses carry the ID of the request they answer. A non-zero status means
// the request failed and the payload holds the error message.
type frame struct {
	id      uint64
	status  uint16
	payload []byte
}

func writeFrame(w io.Writer, f frame) (int64, error) {
	if len(f.payload) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[0:8], f.id)
	binary.BigEndian.PutUint16(header[8:10], f.status)
	binary.BigEndian.PutUint32(header[10:14], uint32(len(f.payload)))

	b := net.Buffers{header, f.payload}

	return b.WriteTo(w)
}

func readFrame(r io.Reader) (frame, error) {
	var header [headerSize]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}

	f := frame{
		id:     binary.BigEndian.Uint64(header[0:8]),
		status: binary.BigEndian.Uint16(header[8:10]),
	}

	size := binary.BigEndian.Uint32(header[10:14])
	if size > MaxFrameSize {
		return frame{}, ErrFrameTooLarge
	}

	f.payload = make([]byte, size)

	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, err
	}

	return f, nil
}
