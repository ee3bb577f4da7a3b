package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrMalformed           = errors.New("malformed envelope")
	ErrChecksum            = errors.New("checksum mismatch")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrUnknownType         = errors.New("unknown message type")
)

// Codec encodes and decodes envelopes. It is stateless; per-connection
// sequence validation lives in SeqTracker.
type Codec struct{}

// Encode computes the checksum and serializes the envelope
func (Codec) Encode(env Envelope) ([]byte, error) {
	if env.Version == "" {
		env.Version = Version
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Seq == 0 {
		return nil, fmt.Errorf("%w: sequence number not assigned", ErrMalformed)
	}
	if len(env.Payload) > 0 {
		// Compact so the checksummed bytes equal the bytes put on the wire.
		compacted, err := compact(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		env.Payload = compacted
	}
	env.Checksum = Checksum(env)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses and validates a wire message
func (Codec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case env.Version == "":
		return env, fmt.Errorf("%w: missing version", ErrMalformed)
	case env.Type == "":
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	case env.Seq == 0:
		return env, fmt.Errorf("%w: missing sequence number", ErrMalformed)
	case env.TS == 0:
		return env, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case env.Checksum == "":
		return env, fmt.Errorf("%w: missing checksum", ErrMalformed)
	}

	major, _, err := ParseVersion(env.Version)
	if err != nil {
		return env, err
	}
	if major != MajorVersion {
		return env, fmt.Errorf("%w: peer speaks %s, want %d.x", ErrIncompatibleVersion, env.Version, MajorVersion)
	}

	if want := Checksum(env); want != env.Checksum {
		return env, fmt.Errorf("%w: seq %d got %s want %s", ErrChecksum, env.Seq, env.Checksum, want)
	}

	// Checked after version so a newer major can introduce types freely.
	if !env.Type.Known() {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Checksum returns the xxhash64 of the envelope's header fields and raw
// payload bytes, hex encoded. The checksum field itself is not covered.
func Checksum(env Envelope) string {
	d := xxhash.New()
	_, _ = d.WriteString(env.Version)
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(string(env.Type))
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(strconv.FormatUint(env.Seq, 10))
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(strconv.FormatInt(env.TS, 10))
	_, _ = d.WriteString("\n")
	_, _ = d.WriteString(env.SessionID)
	_, _ = d.WriteString("\n")
	_, _ = d.Write(env.Payload)
	return fmt.Sprintf("%016x", d.Sum64())
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
