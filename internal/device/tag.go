// v0
// internal/device/tag.go
package device

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TagID is the raw identifier read from an NFC tag.
type TagID []byte

var errEmptyTagID = errors.New("empty tag identifier")

// ParseTagID accepts "0xAABB", "AABB" and "aa:bb" spellings.
func ParseTagID(raw string) (TagID, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	if s == "" {
		return nil, errEmptyTagID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid tag identifier %q: %w", raw, err)
	}
	return TagID(b), nil
}

// String renders the identifier as 0x-prefixed upper-case hex.
func (t TagID) String() string {
	if len(t) == 0 {
		return ""
	}
	return "0x" + strings.ToUpper(hex.EncodeToString(t))
}

func (t TagID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TagID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*t = nil
		return nil
	}
	parsed, err := ParseTagID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Clone returns an independent copy.
func (t TagID) Clone() TagID {
	if t == nil {
		return nil
	}
	return append(TagID(nil), t...)
}

// TagEvent is one detection reported by a reader.
type TagEvent struct {
	Reader     string
	TagID      TagID
	DetectedAt time.Time
}
