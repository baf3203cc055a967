package aead

import (
	"bytes"
	"errors"
	"testing"
)

func testKeys(t *testing.T) (c2s, s2c DirectionKeys) {
	t.Helper()
	var psk [KeySize]byte
	nc := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	ns := [8]byte{8, 7, 6, 5, 4, 3, 2, 1}

	c2s, s2c, err := DeriveKeys(psk, nc, ns)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	return c2s, s2c
}

func TestDeriveKeys_Deterministic(t *testing.T) {
	var psk [KeySize]byte
	nc := [8]byte{1}
	ns := [8]byte{2}

	c2sA, s2cA, err := DeriveKeys(psk, nc, ns)
	if err != nil {
		t.Fatal(err)
	}
	c2sB, s2cB, err := DeriveKeys(psk, nc, ns)
	if err != nil {
		t.Fatal(err)
	}

	if c2sA.Key != c2sB.Key || s2cA.Key != s2cB.Key {
		t.Fatal("DeriveKeys is not deterministic for identical inputs")
	}
}

func TestDeriveKeys_DirectionsAreSeparate(t *testing.T) {
	c2s, s2c := testKeys(t)

	if c2s.Key == s2c.Key {
		t.Fatal("c2s and s2c keys must differ")
	}
	if c2s.Salt == s2c.Salt {
		t.Fatal("c2s and s2c salts must differ")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	c2s, _ := testKeys(t)

	send, err := NewSendCipher(c2s)
	if err != nil {
		t.Fatal(err)
	}
	recv, err := NewRecvCipher(c2s)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("this is an IP packet payload")
	nonce, ct, err := send.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}

	got, err := recv.Open(uint16(len(payload)), nonce, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, payload)
	}
}

func TestSeal_NonceMonotonic(t *testing.T) {
	c2s, _ := testKeys(t)
	send, _ := NewSendCipher(c2s)

	var prev uint64
	for i := 0; i < 10; i++ {
		nonce, _, err := send.Seal([]byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		n := beUint64(nonce)
		if i > 0 && n != prev+1 {
			t.Fatalf("nonce %d not monotonic: got %d after %d", i, n, prev)
		}
		prev = n
	}
}

func TestKeySeparation_SameCounterDifferentCiphertext(t *testing.T) {
	c2s, s2c := testKeys(t)
	sendC2S, _ := NewSendCipher(c2s)
	sendS2C, _ := NewSendCipher(s2c)

	payload := []byte("identical plaintext")
	_, ctA, err := sendC2S.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}
	_, ctB, err := sendS2C.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(ctA, ctB) {
		t.Fatal("ciphertexts for identical counter/plaintext across directions must differ")
	}
}

func TestOpen_ReplayRejected(t *testing.T) {
	c2s, _ := testKeys(t)
	send, _ := NewSendCipher(c2s)
	recv, _ := NewRecvCipher(c2s)

	payload := []byte("packet")
	nonce, ct, err := send.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := recv.Open(uint16(len(payload)), nonce, ct); err != nil {
		t.Fatalf("first delivery should succeed: %v", err)
	}
	if _, err := recv.Open(uint16(len(payload)), nonce, ct); err != ErrReplay {
		t.Fatalf("replay should be rejected, got %v", err)
	}
}

func TestOpen_ReplayWindowAllowsOutOfOrder(t *testing.T) {
	c2s, _ := testKeys(t)
	send, _ := NewSendCipher(c2s)
	recv, _ := NewRecvCipher(c2s)

	payload := []byte("p")
	var frames [][2]interface{}
	for i := 0; i < 5; i++ {
		nonce, ct, err := send.Seal(payload)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, [2]interface{}{nonce, ct})
	}

	// deliver out of order: 4, then 0..3
	order := []int{4, 0, 1, 2, 3}
	for _, idx := range order {
		nonce := frames[idx][0].([8]byte)
		ct := frames[idx][1].([]byte)
		if _, err := recv.Open(uint16(len(payload)), nonce, ct); err != nil {
			t.Fatalf("frame %d should be accepted out of order: %v", idx, err)
		}
	}

	// replaying any of them now must fail
	nonce := frames[2][0].([8]byte)
	ct := frames[2][1].([]byte)
	if _, err := recv.Open(uint16(len(payload)), nonce, ct); err != ErrReplay {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestOpen_TamperRejected(t *testing.T) {
	c2s, _ := testKeys(t)
	send, _ := NewSendCipher(c2s)
	recv, _ := NewRecvCipher(c2s)

	payload := []byte("tamper me")
	nonce, ct, err := send.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF

	if _, err := recv.Open(uint16(len(payload)), nonce, tampered); err != ErrAuthFail {
		t.Fatalf("expected ErrAuthFail, got %v", err)
	}
}

func TestOpen_ProtocolLengthMismatch(t *testing.T) {
	c2s, _ := testKeys(t)
	send, _ := NewSendCipher(c2s)
	recv, _ := NewRecvCipher(c2s)

	payload := []byte("abc")
	nonce, ct, err := send.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := recv.Open(uint16(len(payload)+1), nonce, ct); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestSeal_NonceExhausted(t *testing.T) {
	c2s, _ := testKeys(t)
	send, _ := NewSendCipher(c2s)
	send.counter = ^uint64(0)

	if _, _, err := send.Seal([]byte("x")); err != ErrNonceExhausted {
		t.Fatalf("expected ErrNonceExhausted, got %v", err)
	}
}

func beUint64(b [8]byte) uint64 {
	var v uint64
	for _, c := range b {
		v = (v << 8) | uint64(c)
	}
	return v
}
