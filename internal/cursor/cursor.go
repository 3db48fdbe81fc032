// Package cursor encodes keyset pagination positions as opaque,
// tamper-evident tokens.
package cursor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/pulseboard/pulse/internal/errors"
)

const (
	version    byte = 2
	tagSize         = 16
	headerSize      = 1 + 8 + 4

	// MaxIDLength bounds the tie-break identifier carried in a token.
	MaxIDLength = 256

	// MinSecretLength is the minimum HMAC key length accepted by NewCodec.
	MinSecretLength = 16
)

// Position is a resume point in a (timestamp DESC, id DESC) ordering.
type Position struct {
	Timestamp time.Time
	ID        string
}

// Before reports whether p sorts strictly after other in descending order,
// i.e. whether p belongs on a later page than other.
func (p Position) Before(other Position) bool {
	if !p.Timestamp.Equal(other.Timestamp) {
		return p.Timestamp.Before(other.Timestamp)
	}
	return p.ID < other.ID
}

// Codec signs and verifies cursor tokens.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec keyed with secret.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.NewInternalError("cursor secret too short", nil).
			WithDetails(map[string]interface{}{"min_length": MinSecretLength})
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Codec{secret: key}, nil
}

// Encode returns the token for p.
func (c *Codec) Encode(p Position) string {
	buf := make([]byte, headerSize, headerSize+len(p.ID)+tagSize)
	buf[0] = version
	binary.BigEndian.PutUint64(buf[1:9], uint64(p.Timestamp.Unix()))
	binary.BigEndian.PutUint32(buf[9:13], uint32(p.Timestamp.Nanosecond()))
	buf = append(buf, p.ID...)
	buf = append(buf, c.sign(buf)...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode verifies token and returns its position. Any malformed, truncated
// or tampered token yields an INVALID_CURSOR request error.
func (c *Codec) Decode(token string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, invalid("cursor is not valid base64url", err)
	}
	if len(raw) < headerSize+tagSize {
		return Position{}, invalid("cursor is truncated", nil)
	}
	payload, tag := raw[:len(raw)-tagSize], raw[len(raw)-tagSize:]
	if !hmac.Equal(tag, c.sign(payload)) {
		return Position{}, invalid("cursor signature mismatch", nil)
	}
	if payload[0] != version {
		return Position{}, invalid("unsupported cursor version", nil)
	}
	id := payload[headerSize:]
	if len(id) > MaxIDLength {
		return Position{}, invalid("cursor identifier too long", nil)
	}
	sec := int64(binary.BigEndian.Uint64(payload[1:9]))
	nsec := binary.BigEndian.Uint32(payload[9:13])
	if nsec >= uint32(time.Second) {
		return Position{}, invalid("cursor timestamp is malformed", nil)
	}
	return Position{Timestamp: time.Unix(sec, int64(nsec)).UTC(), ID: string(id)}, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)[:tagSize]
}

func invalid(msg string, cause error) *errors.PulseError {
	return errors.Wrap(errors.ErrCategoryRequest, errors.CodeInvalidCursor, msg, cause).WithField("cursor")
}
