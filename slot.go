package otaharness

import (
	"strings"

	"github.com/pkg/errors"
)

// BootSlot is the active partition set of an A/B device.
type BootSlot int

const (
	SlotUnknown BootSlot = iota - 1
	SlotA
	SlotB
)

// ParseBootSlot maps the raw slot index reported by the device ("0" or "1")
// to a BootSlot. Anything else yields ErrUnknownSlot.
func ParseBootSlot(raw string) (BootSlot, error) {
	switch strings.TrimSpace(raw) {
	case "0":
		return SlotA, nil
	case "1":
		return SlotB, nil
	}
	return SlotUnknown, errors.Wrapf(ErrUnknownSlot, "cannot identify rootfs partition slot from %q", raw)
}

// Label returns the rootfs partition label used in the update agent
// configuration ("A" or "B").
func (s BootSlot) Label() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return ""
	}
}

// Other returns the opposite slot.
func (s BootSlot) Other() BootSlot {
	switch s {
	case SlotA:
		return SlotB
	case SlotB:
		return SlotA
	default:
		return SlotUnknown
	}
}

// Valid reports whether s is A or B.
func (s BootSlot) Valid() bool {
	return s == SlotA || s == SlotB
}

func (s BootSlot) String() string {
	if label := s.Label(); label != "" {
		return label
	}
	return "unknown"
}
