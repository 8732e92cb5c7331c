package track

import (
	"fmt"
	"strings"
)

// Kind selects the association strategy used by a Tracker
type Kind int

const (
	KindNone      Kind = iota // Tracking disabled
	KindByteTrack             // Two stage association: high confidence detections first, then the rest
	KindBoTSORT               // IoU association, falling back to the nearest centre within the search buffer
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindByteTrack:
		return "bytetrack"
	case KindBoTSORT:
		return "botsort"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Parse a tracker name such as "bytetrack" or "botsort.yaml".
// An empty string parses as KindNone.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, ".yaml")
	switch name {
	case "", "none":
		return KindNone, nil
	case "bytetrack":
		return KindByteTrack, nil
	case "botsort":
		return KindBoTSORT, nil
	}
	return KindNone, fmt.Errorf("unknown tracker '%v'", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
