// Package wire implements the outer framing of the tunnel's TCP stream: a
// length-prefixed encrypted-frame envelope and the cover preamble that
// precedes the first real frame in each direction.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/aead"
	"github.com/dsvpn-go/dsvpn/internal/netio"
)

// ErrMalformedPreamble is returned when a cover preamble does not match the
// fixed ClientHello/ServerHello shape this package emits and expects.
var ErrMalformedPreamble = errors.New("wire: malformed cover preamble")

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// maximum packet size.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum packet size")

const (
	lengthFieldSize = 2
	headerSize      = lengthFieldSize + aead.ExplicitNonceSize
)

// deadlineConn is the subset of net.Conn the framing functions need.
type deadlineConn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
}

// Frame is one decoded envelope read off the wire: a declared plaintext
// length, the explicit nonce, and the sealed ciphertext+tag.
type Frame struct {
	Length     uint16
	Nonce      [aead.ExplicitNonceSize]byte
	Ciphertext []byte
}

// IsHeartbeat reports whether this frame carries no IP packet payload.
func (f Frame) IsHeartbeat() bool {
	return f.Length == 0
}

// WriteFrame encodes and writes one envelope: len_be16 ‖ nonce ‖ ciphertext+tag.
func WriteFrame(conn deadlineConn, timeout time.Duration, nonce [aead.ExplicitNonceSize]byte, length uint16, ciphertext []byte) error {
	if int(length) > aead.MaxPacketSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}
	if len(ciphertext) != int(length)+aead.TagSize {
		return fmt.Errorf("wire: ciphertext length %d does not match declared length %d", len(ciphertext), length)
	}

	buf := make([]byte, headerSize+len(ciphertext))
	binary.BigEndian.PutUint16(buf[:lengthFieldSize], length)
	copy(buf[lengthFieldSize:headerSize], nonce[:])
	copy(buf[headerSize:], ciphertext)

	return netio.WriteAll(conn, buf, timeout)
}

// ReadFrame reads and decodes one envelope: the 2-byte length, the 8-byte
// explicit nonce, and exactly length+16 bytes of ciphertext.
func ReadFrame(conn deadlineConn, timeout time.Duration) (Frame, error) {
	header := make([]byte, headerSize)
	if err := netio.ReadFull(conn, header, timeout); err != nil {
		return Frame{}, err
	}

	length := binary.BigEndian.Uint16(header[:lengthFieldSize])
	if int(length) > aead.MaxPacketSize {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	var f Frame
	f.Length = length
	copy(f.Nonce[:], header[lengthFieldSize:headerSize])

	f.Ciphertext = make([]byte, int(length)+aead.TagSize)
	if err := netio.ReadFull(conn, f.Ciphertext, timeout); err != nil {
		return Frame{}, err
	}

	return f, nil
}
