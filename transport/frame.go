package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kutluhann/overlay-dht/constants"
)

// Frames are a 4 byte big endian length followed by the payload.

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > constants.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), constants.MaxFrameSize)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > constants.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", size, constants.MaxFrameSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
