package p2p

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the wire frame cap, per spec.md §4.6 ("maximum message
// size 1 MiB; violations disconnect").
const MaxMessageSize = 1024 * 1024

// ErrMessageTooLarge is returned when a frame's declared length exceeds
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("p2p: message exceeds maximum frame size")

// WriteMessage frames env as a 4-byte big-endian length followed by its
// canonical JSON encoding, per spec.md §4.6.
func WriteMessage(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("p2p: encode message: %w", err)
	}
	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("p2p: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("p2p: write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and decodes it into
// an Envelope, per spec.md §4.6.
func ReadMessage(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, fmt.Errorf("p2p: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return Envelope{}, ErrMessageTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("p2p: read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("p2p: decode message: %w", err)
	}
	return env, nil
}
