package types

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

// RequestIDPrefix is prepended to every server-generated request identifier.
const RequestIDPrefix = "req_"

// ULID is a 128-bit time-ordered identifier: 48-bit millisecond timestamp
// followed by 80 random bits.
type ULID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U)
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ULIDGenerator generates ULIDs that are monotonic within a millisecond.
type ULIDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewULIDGenerator creates a new ULID generator.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// Generate creates a new ULID with the current timestamp.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a new ULID with the specified timestamp.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())

	var u ULID
	for i := 0; i < 6; i++ {
		u[i] = byte(ms >> (40 - 8*i))
	}

	if ms == g.lastTimestamp {
		for i := 9; i >= 0; i-- {
			g.lastRandom[i]++
			if g.lastRandom[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return ULID{}, err
		}
		g.lastTimestamp = ms
	}
	copy(u[6:], g.lastRandom[:])
	return u, nil
}

// Time returns the timestamp component.
func (u ULID) Time() time.Time {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(u[i])
	}
	return time.UnixMilli(int64(ms)).UTC()
}

// String returns the 26-character Crockford Base32 encoding.
func (u ULID) String() string {
	// 128 bits are encoded as 130 bits with two leading zero bits.
	var buf [26]byte
	for i := 25; i >= 0; i-- {
		bit := 128 - 5*(26-i)
		buf[i] = crockfordBase32[u.bits(bit, 5)]
	}
	return string(buf[:])
}

// bits extracts n bits starting at bit offset off (MSB first, may be negative).
func (u ULID) bits(off, n int) byte {
	var v byte
	for j := 0; j < n; j++ {
		pos := off + j
		v <<= 1
		if pos < 0 {
			continue
		}
		if u[pos/8]&(0x80>>(pos%8)) != 0 {
			v |= 1
		}
	}
	return v
}

// Compare compares two ULIDs lexicographically.
func (u ULID) Compare(other ULID) int {
	for i := range u {
		switch {
		case u[i] < other[i]:
			return -1
		case u[i] > other[i]:
			return 1
		}
	}
	return 0
}

// ParseULID parses a 26-character Crockford Base32 string.
func ParseULID(s string) (ULID, error) {
	if len(s) != 26 {
		return ULID{}, ErrInvalidULIDLength
	}
	var u ULID
	if d := decodeBase32(s[0]); d == 0xFF {
		return ULID{}, ErrInvalidULIDCharacter
	} else if d > 7 {
		return ULID{}, ErrULIDOverflow
	}
	pos := -2
	for i := 0; i < 26; i++ {
		d := decodeBase32(s[i])
		if d == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		for j := 4; j >= 0; j-- {
			if pos >= 0 && d&(1<<j) != 0 {
				u[pos/8] |= 0x80 >> (pos % 8)
			}
			pos++
		}
	}
	return u, nil
}

func decodeBase32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	if i := strings.IndexByte(crockfordBase32, c); i >= 0 {
		return byte(i)
	}
	return 0xFF
}

var defaultGenerator = NewULIDGenerator()

// NewRequestID returns a fresh request identifier: "req_" followed by a ULID.
func NewRequestID() string {
	u, err := defaultGenerator.Generate()
	if err != nil {
		// timestamp-only
		var z ULID
		ms := uint64(time.Now().UnixMilli())
		for i := 0; i < 6; i++ {
			z[i] = byte(ms >> (40 - 8*i))
		}
		u = z
	}
	return RequestIDPrefix + u.String()
}

// IsRequestID reports whether s has the shape of a generated request id.
func IsRequestID(s string) bool {
	rest, ok := strings.CutPrefix(s, RequestIDPrefix)
	if !ok {
		return false
	}
	_, err := ParseULID(rest)
	return err == nil
}

// MaxInboundIDLength bounds client-supplied request, correlation and org ids.
const MaxInboundIDLength = 128

// IsInboundID reports whether a client-supplied identifier is non-empty,
// at most MaxInboundIDLength bytes and printable ASCII without spaces.
func IsInboundID(s string) bool {
	if s == "" || len(s) > MaxInboundIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
