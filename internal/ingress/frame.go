package ingress

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame kinds on the telephony socket. Each frame is
// kind(1) | length(2, big-endian) | payload.
const (
	// KindTerminate ends the call. Zero-length payload.
	KindTerminate = 0x00

	// KindIdentity carries the caller identifier as UTF-8. Sent once at
	// call setup, before any audio.
	KindIdentity = 0x01

	// KindAudio carries 8 kHz G.711 µ-law samples, one 20 ms frame each.
	KindAudio = 0x10
)

// FrameBytes is the payload size of one 20 ms µ-law audio frame.
const FrameBytes = 160

// readFrame reads one telephony frame. The returned payload is freshly
// allocated; callers may retain it.
func readFrame(r io.Reader) (kind byte, payload []byte, err error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[1:3]))
	if n == 0 {
		return hdr[0], nil, nil
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("ingress: short frame payload: %w", err)
	}
	return hdr[0], payload, nil
}

// appendFrame encodes one frame into buf's wire form.
func appendFrame(kind byte, payload []byte) []byte {
	buf := make([]byte, 3+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	return buf
}
