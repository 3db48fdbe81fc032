package cursor

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pulseboard/pulse/internal/errors"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	p := Position{Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC), ID: "sess_ABCDEFGHIJ0123456789"}

	got, err := c.Decode(c.Encode(p))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Timestamp.Equal(p.Timestamp) || got.ID != p.ID {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestCodec_RoundTrip_OutsideNanosecondRange(t *testing.T) {
	c := newTestCodec(t)
	for _, ts := range []time.Time{
		time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1600, 7, 4, 12, 30, 0, 999999999, time.UTC),
		time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 23, 59, 59, 1, time.UTC),
	} {
		p := Position{Timestamp: ts, ID: "evt_00000000000000000001"}
		got, err := c.Decode(c.Encode(p))
		if err != nil {
			t.Fatalf("Decode(%s): %v", ts, err)
		}
		if !got.Timestamp.Equal(ts) || got.ID != p.ID {
			t.Errorf("round trip of %s gave %+v", ts, got)
		}
	}
}

func TestCodec_RejectsTampering(t *testing.T) {
	c := newTestCodec(t)
	token := c.Encode(Position{Timestamp: time.Unix(1700000000, 0).UTC(), ID: "evt_abcdefghij0123456789"})

	raw, _ := base64.RawURLEncoding.DecodeString(token)
	raw[3] ^= 0x01
	flipped := base64.RawURLEncoding.EncodeToString(raw)

	other, err := NewCodec([]byte("another-secret-another-secret!!"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	tests := map[string]string{
		"flipped bit":    flipped,
		"truncated":      token[:10],
		"not base64":     "!!!not-a-cursor!!!",
		"empty":          "",
		"foreign secret": other.Encode(Position{Timestamp: time.Unix(1, 0), ID: "x"}),
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(tok)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.GetCode(err) != errors.CodeInvalidCursor {
				t.Errorf("code = %q, want INVALID_CURSOR", errors.GetCode(err))
			}
		})
	}
}

func TestNewCodec_ShortSecret(t *testing.T) {
	if _, err := NewCodec([]byte("short")); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestPosition_Before(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Position{Timestamp: ts, ID: "b"}
	b := Position{Timestamp: ts, ID: "a"}
	c := Position{Timestamp: ts.Add(-time.Second), ID: "z"}
	if !b.Before(a) || a.Before(b) {
		t.Error("id should break timestamp ties")
	}
	if !c.Before(b) {
		t.Error("earlier timestamp should sort after in descending order")
	}
}

func TestProperty_CursorRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	codec, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	properties.Property("decode(encode(p)) == p", prop.ForAll(
		func(sec int64, nsec int64, id string) bool {
			p := Position{Timestamp: time.Unix(sec, nsec).UTC(), ID: id}
			got, err := codec.Decode(codec.Encode(p))
			return err == nil && got.Timestamp.Equal(p.Timestamp) && got.ID == p.ID
		},
		gen.Int64Range(-62135596800, 253402300799),
		gen.Int64Range(0, 999999999),
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) <= MaxIDLength }),
	))

	properties.Property("any single-byte change is rejected", prop.ForAll(
		func(ns int64, pos int) bool {
			tok := codec.Encode(Position{Timestamp: time.Unix(0, ns).UTC(), ID: "sess_ABCDEFGHIJ0123456789"})
			raw, _ := base64.RawURLEncoding.DecodeString(tok)
			raw[pos%len(raw)] ^= 0xA5
			_, err := codec.Decode(base64.RawURLEncoding.EncodeToString(raw))
			return errors.GetCode(err) == errors.CodeInvalidCursor
		},
		gen.Int64Range(0, 4102444800000000000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
