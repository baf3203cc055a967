// Package aead derives the per-session directional keys from a pre-shared
// secret and performs per-frame authenticated encryption with monotonic
// nonces and replay rejection, grounded on the same AEAD/HKDF stack the
// rest of this family of tools uses for session encryption, adapted here
// to a pre-shared-secret handshake instead of an ephemeral ECDH exchange.
package aead

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of the pre-shared secret and each derived directional key.
	KeySize = 32

	// SaltSize is the size of each derived directional salt.
	SaltSize = 4

	// ExplicitNonceSize is the size of the nonce field carried on the wire with every frame.
	ExplicitNonceSize = 8

	// TagSize is the size of the AEAD authentication tag.
	TagSize = 16

	// AEADNonceSize is the nonce size ChaCha20-Poly1305 expects: the 4-byte
	// directional salt followed by the 8-byte explicit nonce.
	AEADNonceSize = SaltSize + ExplicitNonceSize

	// ReplayWindowSize is the width, in bits, of the sliding replay window (W in the design).
	ReplayWindowSize = 128

	// MaxPacketSize bounds the plaintext length field on the wire.
	MaxPacketSize = 65536 - (2 + ExplicitNonceSize + TagSize)
)

var (
	// ErrAuthFail is returned when the AEAD tag fails to verify.
	ErrAuthFail = errors.New("aead: authentication failed")

	// ErrReplay is returned when an incoming nonce is outside the replay window or already seen.
	ErrReplay = errors.New("aead: replayed nonce")

	// ErrNonceExhausted is returned when the outbound counter would wrap past 2^64-1.
	ErrNonceExhausted = errors.New("aead: nonce counter exhausted")

	// ErrProtocol is returned for malformed frame lengths.
	ErrProtocol = errors.New("aead: protocol violation")
)

const (
	labelC2S     = "c2s"
	labelS2C     = "s2c"
	labelC2SSalt = "c2s-salt"
	labelS2CSalt = "s2c-salt"
)

// DirectionKeys holds the derived key and salt for one direction of traffic.
type DirectionKeys struct {
	Key  [KeySize]byte
	Salt [SaltSize]byte
}

// DeriveKeys derives the client->server and server->client directional key
// material from the pre-shared secret and both handshake nonces, per:
//
//	K = PRF(psk, label || nc || ns)
//
// PRF is a BLAKE2b hash keyed with the pre-shared secret — a true keyed-hash
// primitive, truncated to the requested output length.
func DeriveKeys(psk [KeySize]byte, nc, ns [8]byte) (c2s, s2c DirectionKeys, err error) {
	c2sKey, err := prf(psk, labelC2S, nc, ns, KeySize)
	if err != nil {
		return DirectionKeys{}, DirectionKeys{}, err
	}
	s2cKey, err := prf(psk, labelS2C, nc, ns, KeySize)
	if err != nil {
		return DirectionKeys{}, DirectionKeys{}, err
	}
	c2sSalt, err := prf(psk, labelC2SSalt, nc, ns, SaltSize)
	if err != nil {
		return DirectionKeys{}, DirectionKeys{}, err
	}
	s2cSalt, err := prf(psk, labelS2CSalt, nc, ns, SaltSize)
	if err != nil {
		return DirectionKeys{}, DirectionKeys{}, err
	}

	copy(c2s.Key[:], c2sKey)
	copy(c2s.Salt[:], c2sSalt)
	copy(s2c.Key[:], s2cKey)
	copy(s2c.Salt[:], s2cSalt)
	return c2s, s2c, nil
}

// prf computes BLAKE2b(psk)(label || nc || ns) and truncates to outLen bytes.
func prf(psk [KeySize]byte, label string, nc, ns [8]byte, outLen int) ([]byte, error) {
	h, err := blake2b.New(blake2b.Size, psk[:])
	if err != nil {
		return nil, fmt.Errorf("aead: create keyed hash: %w", err)
	}
	h.Write([]byte(label))
	h.Write(nc[:])
	h.Write(ns[:])
	sum := h.Sum(nil)
	if outLen > len(sum) {
		return nil, fmt.Errorf("aead: requested %d bytes from a %d-byte PRF output", outLen, len(sum))
	}
	return sum[:outLen], nil
}

// SendCipher seals outbound frame payloads with a strictly monotonic nonce
// counter. A session seals from both its tunnel->socket goroutine and its
// keepalive watchdog, so Seal claims each counter value with an atomic
// compare-and-swap: no two frames are ever sealed with the same nonce.
type SendCipher struct {
	aead    chacha20Poly
	salt    [SaltSize]byte
	counter uint64
}

// RecvCipher opens inbound frame payloads and enforces the replay window.
// It is only ever touched by the socket->tunnel direction of a session.
type RecvCipher struct {
	aead   chacha20Poly
	salt   [SaltSize]byte
	high   uint64
	seenAny bool
	window [2]uint64 // 128-bit bitmap: bit i set means (high-i) was accepted
}

type chacha20Poly interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSendCipher constructs a sender for one direction's derived key material.
func NewSendCipher(dk DirectionKeys) (*SendCipher, error) {
	c, err := chacha20poly1305.New(dk.Key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: create cipher: %w", err)
	}
	return &SendCipher{aead: c, salt: dk.Salt}, nil
}

// NewRecvCipher constructs a receiver for one direction's derived key material.
func NewRecvCipher(dk DirectionKeys) (*RecvCipher, error) {
	c, err := chacha20poly1305.New(dk.Key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: create cipher: %w", err)
	}
	return &RecvCipher{aead: c, salt: dk.Salt}, nil
}

// Seal encrypts payload and returns the explicit nonce used plus the
// ciphertext+tag. The caller is responsible for framing these onto the wire.
// Fails only when the counter has been exhausted.
func (s *SendCipher) Seal(payload []byte) (nonce [ExplicitNonceSize]byte, ciphertext []byte, err error) {
	var n uint64
	for {
		n = atomic.LoadUint64(&s.counter)
		if n == ^uint64(0) {
			return nonce, nil, ErrNonceExhausted
		}
		if atomic.CompareAndSwapUint64(&s.counter, n, n+1) {
			break
		}
	}

	binary.BigEndian.PutUint64(nonce[:], n)
	aeadNonce := s.buildNonce(nonce)

	ad := frameAD(uint16(len(payload)), nonce)
	ciphertext = s.aead.Seal(nil, aeadNonce[:], payload, ad)
	return nonce, ciphertext, nil
}

func (s *SendCipher) buildNonce(explicit [ExplicitNonceSize]byte) [AEADNonceSize]byte {
	var n [AEADNonceSize]byte
	copy(n[:SaltSize], s.salt[:])
	copy(n[SaltSize:], explicit[:])
	return n
}

// Open authenticates and decrypts one received frame. length is the
// plaintext length taken from the frame header, nonce is the explicit
// nonce field, and ciphertext is the sealed payload including its tag.
func (r *RecvCipher) Open(length uint16, nonce [ExplicitNonceSize]byte, ciphertext []byte) ([]byte, error) {
	if int(length) > MaxPacketSize {
		return nil, fmt.Errorf("%w: length %d exceeds max packet size", ErrProtocol, length)
	}
	if len(ciphertext) != int(length)+TagSize {
		return nil, fmt.Errorf("%w: ciphertext length %d does not match declared length %d", ErrProtocol, len(ciphertext), length)
	}

	n := binary.BigEndian.Uint64(nonce[:])
	if !r.accept(n) {
		return nil, ErrReplay
	}

	aeadNonce := r.buildNonce(nonce)
	ad := frameAD(length, nonce)
	plaintext, err := r.aead.Open(nil, aeadNonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFail
	}

	r.record(n)
	return plaintext, nil
}

func (r *RecvCipher) buildNonce(explicit [ExplicitNonceSize]byte) [AEADNonceSize]byte {
	var n [AEADNonceSize]byte
	copy(n[:SaltSize], r.salt[:])
	copy(n[SaltSize:], explicit[:])
	return n
}

// accept reports whether nonce n falls inside the replay window and has not
// already been seen, WITHOUT marking it seen — callers must call record
// only after the frame authenticates.
func (r *RecvCipher) accept(n uint64) bool {
	if !r.seenAny {
		return true
	}
	if n > r.high {
		return true
	}
	age := r.high - n
	if age >= ReplayWindowSize {
		return false
	}
	return !r.bitSet(age)
}

// record marks nonce n as accepted, advancing the window if n is a new high.
func (r *RecvCipher) record(n uint64) {
	if !r.seenAny {
		r.seenAny = true
		r.high = n
		r.setBit(0)
		return
	}

	if n > r.high {
		shift := n - r.high
		r.advance(shift)
		r.high = n
		r.setBit(0)
		return
	}

	r.setBit(r.high - n)
}

func (r *RecvCipher) bitSet(age uint64) bool {
	word, bit := age/64, age%64
	return r.window[word]&(1<<bit) != 0
}

func (r *RecvCipher) setBit(age uint64) {
	word, bit := age/64, age%64
	r.window[word] |= 1 << bit
}

// advance shifts the bitmap left by shift bits (a new, higher nonce arrived),
// discarding bits that fall out of the window.
func (r *RecvCipher) advance(shift uint64) {
	if shift >= ReplayWindowSize {
		r.window = [2]uint64{}
		return
	}

	if shift >= 64 {
		r.window[1] = r.window[0] << (shift - 64)
		r.window[0] = 0
		return
	}
	if shift == 0 {
		return
	}
	r.window[1] = (r.window[1] << shift) | (r.window[0] >> (64 - shift))
	r.window[0] = r.window[0] << shift
}

// frameAD builds the additional-authenticated-data for one frame: the
// 2-byte big-endian length followed by the 8-byte explicit nonce, per the
// wire format.
func frameAD(length uint16, nonce [ExplicitNonceSize]byte) []byte {
	ad := make([]byte, 2+ExplicitNonceSize)
	binary.BigEndian.PutUint16(ad[:2], length)
	copy(ad[2:], nonce[:])
	return ad
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
