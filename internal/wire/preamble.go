package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/netio"
)

// Cover preamble: a hand-built prefix that mimics the record and handshake
// headers of a TLS 1.x ClientHello/ServerHello closely enough to read as
// TLS to passive inspection. It carries no cryptographic weight of its own;
// its only job is smuggling the handshake nonce past a DPI box. The shape
// is fixed (no real extensions) so both sides can parse it without a TLS
// stack.
const (
	recordTypeHandshake = 0x16
	legacyRecordVersion = 0x0301
	handshakeTypeClientHello = 0x01
	handshakeTypeServerHello = 0x02
	legacyClientVersion      = 0x0303

	randomSize    = 32
	sessionIDSize = 32

	// clientCipherSuites are a plausible, unremarkable TLS 1.3 offer list.
	clientCipherSuites = 3
	serverCipherSuite  = 0x1301 // TLS_AES_128_GCM_SHA256, arbitrarily "chosen"

	nonceSize = 8

	clientHelloBodyLen = 2 + randomSize + 1 + sessionIDSize + 2 + clientCipherSuites*2 + 1 + 1 + 2
	serverHelloBodyLen = 2 + randomSize + 1 + sessionIDSize + 2 + 1 + 2

	clientPreambleLen = 5 + 4 + clientHelloBodyLen
	serverPreambleLen = 5 + 4 + serverHelloBodyLen
)

// offered cipher suite IDs used to pad the ClientHello preamble.
var offeredCipherSuites = [clientCipherSuites]uint16{0x1301, 0x1302, 0x1303}

// BuildClientPreamble renders the client-side cover preamble carrying nc,
// the client's handshake nonce, split across the Random and SessionID
// fields of a fixed-shape ClientHello body.
func BuildClientPreamble(nc [nonceSize]byte) ([]byte, error) {
	body := make([]byte, clientHelloBodyLen)
	off := 0

	binary.BigEndian.PutUint16(body[off:], legacyClientVersion)
	off += 2

	random := make([]byte, randomSize)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("wire: fill client random: %w", err)
	}
	copy(random[:4], nc[:4])
	copy(body[off:], random)
	off += randomSize

	body[off] = sessionIDSize
	off++
	sessionID := make([]byte, sessionIDSize)
	if _, err := rand.Read(sessionID); err != nil {
		return nil, fmt.Errorf("wire: fill client session id: %w", err)
	}
	copy(sessionID[:4], nc[4:])
	copy(body[off:], sessionID)
	off += sessionIDSize

	binary.BigEndian.PutUint16(body[off:], clientCipherSuites*2)
	off += 2
	for _, suite := range offeredCipherSuites {
		binary.BigEndian.PutUint16(body[off:], suite)
		off += 2
	}

	body[off] = 1 // compression methods length
	off++
	body[off] = 0x00 // null compression
	off++

	binary.BigEndian.PutUint16(body[off:], 0) // extensions length: none
	off += 2

	return wrapHandshake(handshakeTypeClientHello, body), nil
}

// ParseClientPreamble validates a client cover preamble's fixed shape and
// recovers the embedded nonce.
func ParseClientPreamble(buf []byte) (nc [nonceSize]byte, err error) {
	body, err := unwrapHandshake(buf, handshakeTypeClientHello, clientHelloBodyLen)
	if err != nil {
		return nc, err
	}

	off := 2 // skip legacy version
	random := body[off : off+randomSize]
	off += randomSize

	sessionIDLen := body[off]
	off++
	if int(sessionIDLen) != sessionIDSize {
		return nc, fmt.Errorf("%w: unexpected client session id length %d", ErrMalformedPreamble, sessionIDLen)
	}
	sessionID := body[off : off+sessionIDSize]

	copy(nc[:4], random[:4])
	copy(nc[4:], sessionID[:4])
	return nc, nil
}

// BuildServerPreamble renders the server-side cover preamble carrying ns.
func BuildServerPreamble(ns [nonceSize]byte) ([]byte, error) {
	body := make([]byte, serverHelloBodyLen)
	off := 0

	binary.BigEndian.PutUint16(body[off:], legacyClientVersion)
	off += 2

	random := make([]byte, randomSize)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("wire: fill server random: %w", err)
	}
	copy(random[:4], ns[:4])
	copy(body[off:], random)
	off += randomSize

	body[off] = sessionIDSize
	off++
	sessionID := make([]byte, sessionIDSize)
	if _, err := rand.Read(sessionID); err != nil {
		return nil, fmt.Errorf("wire: fill server session id: %w", err)
	}
	copy(sessionID[:4], ns[4:])
	copy(body[off:], sessionID)
	off += sessionIDSize

	binary.BigEndian.PutUint16(body[off:], serverCipherSuite)
	off += 2

	body[off] = 0x00 // null compression
	off++

	binary.BigEndian.PutUint16(body[off:], 0) // extensions length: none
	off += 2

	return wrapHandshake(handshakeTypeServerHello, body), nil
}

// ParseServerPreamble validates a server cover preamble's fixed shape and
// recovers the embedded nonce.
func ParseServerPreamble(buf []byte) (ns [nonceSize]byte, err error) {
	body, err := unwrapHandshake(buf, handshakeTypeServerHello, serverHelloBodyLen)
	if err != nil {
		return ns, err
	}

	off := 2
	random := body[off : off+randomSize]
	off += randomSize

	sessionIDLen := body[off]
	off++
	if int(sessionIDLen) != sessionIDSize {
		return ns, fmt.Errorf("%w: unexpected server session id length %d", ErrMalformedPreamble, sessionIDLen)
	}
	sessionID := body[off : off+sessionIDSize]

	copy(ns[:4], random[:4])
	copy(ns[4:], sessionID[:4])
	return ns, nil
}

// wrapHandshake prepends the 4-byte handshake header and 5-byte TLS record
// header around a handshake body.
func wrapHandshake(handshakeType byte, body []byte) []byte {
	out := make([]byte, 5+4+len(body))

	out[0] = recordTypeHandshake
	binary.BigEndian.PutUint16(out[1:3], legacyRecordVersion)
	binary.BigEndian.PutUint16(out[3:5], uint16(4+len(body)))

	out[5] = handshakeType
	out[6] = byte(len(body) >> 16)
	out[7] = byte(len(body) >> 8)
	out[8] = byte(len(body))

	copy(out[9:], body)
	return out
}

// unwrapHandshake validates the record/handshake headers and returns the body.
func unwrapHandshake(buf []byte, wantType byte, wantBodyLen int) ([]byte, error) {
	if len(buf) != 9+wantBodyLen {
		return nil, fmt.Errorf("%w: preamble length %d, want %d", ErrMalformedPreamble, len(buf), 9+wantBodyLen)
	}
	if buf[0] != recordTypeHandshake {
		return nil, fmt.Errorf("%w: record type 0x%02x", ErrMalformedPreamble, buf[0])
	}
	recordLen := binary.BigEndian.Uint16(buf[3:5])
	if int(recordLen) != 4+wantBodyLen {
		return nil, fmt.Errorf("%w: record length %d, want %d", ErrMalformedPreamble, recordLen, 4+wantBodyLen)
	}
	if buf[5] != wantType {
		return nil, fmt.Errorf("%w: handshake type 0x%02x, want 0x%02x", ErrMalformedPreamble, buf[5], wantType)
	}
	bodyLen := int(buf[6])<<16 | int(buf[7])<<8 | int(buf[8])
	if bodyLen != wantBodyLen {
		return nil, fmt.Errorf("%w: handshake body length %d, want %d", ErrMalformedPreamble, bodyLen, wantBodyLen)
	}
	return buf[9:], nil
}

// WriteClientPreamble builds and writes the client cover preamble to conn.
func WriteClientPreamble(conn deadlineConn, nc [nonceSize]byte, timeout time.Duration) error {
	buf, err := BuildClientPreamble(nc)
	if err != nil {
		return err
	}
	return netio.WriteAll(conn, buf, timeout)
}

// ReadClientPreamble reads and parses the client cover preamble from conn.
func ReadClientPreamble(conn deadlineConn, timeout time.Duration) (nc [nonceSize]byte, err error) {
	buf := make([]byte, clientPreambleLen)
	if err := netio.ReadFull(conn, buf, timeout); err != nil {
		return nc, err
	}
	return ParseClientPreamble(buf)
}

// WriteServerPreamble builds and writes the server cover preamble to conn.
func WriteServerPreamble(conn deadlineConn, ns [nonceSize]byte, timeout time.Duration) error {
	buf, err := BuildServerPreamble(ns)
	if err != nil {
		return err
	}
	return netio.WriteAll(conn, buf, timeout)
}

// ReadServerPreamble reads and parses the server cover preamble from conn.
func ReadServerPreamble(conn deadlineConn, timeout time.Duration) (ns [nonceSize]byte, err error) {
	buf := make([]byte, serverPreambleLen)
	if err := netio.ReadFull(conn, buf, timeout); err != nil {
		return ns, err
	}
	return ParseServerPreamble(buf)
}
