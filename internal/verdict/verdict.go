// Package verdict defines the shared result domain used by the update
// cache, the AS-path cache, and the validator interfaces: the six
// values a ROA, BGPsec, or ASPA check can settle on.
package verdict

// Value is a validation verdict. Not every validator produces every
// value — origin validation never returns Unverifiable, for instance —
// but all three share this one wire-visible enum so the update cache
// can store them uniformly.
type Value uint8

const (
	Undefined Value = iota
	Valid
	NotFound
	Invalid
	Unverifiable
	DontUse
)

func (v Value) String() string {
	switch v {
	case Valid:
		return "valid"
	case NotFound:
		return "notfound"
	case Invalid:
		return "invalid"
	case Unverifiable:
		return "unverifiable"
	case DontUse:
		return "dontuse"
	default:
		return "undefined"
	}
}
