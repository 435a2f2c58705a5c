// Package models defines the data shapes shared across the fleet manager:
// instance identity, runner metadata, VM descriptors and metric records.
package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ReactiveFlag is a tri-state marker on an InstanceID: a runner may be known
// to be reactive, known to be non-reactive, or (when parsed from a name that
// predates the flag) unknown.
type ReactiveFlag int

const (
	ReactiveUnknown ReactiveFlag = iota
	Reactive
	NonReactive
)

func (f ReactiveFlag) String() string {
	switch f {
	case Reactive:
		return "reactive"
	case NonReactive:
		return "non-reactive"
	default:
		return "unknown"
	}
}

const reactiveSegment = "r"
const nonReactiveSegment = "nr"

// InstanceID is the system's stable identifier for a VM. Its rendered form
// is also the VM's cloud name, so it must be safe to use as one.
type InstanceID struct {
	Prefix   string
	Reactive ReactiveFlag
	Suffix   string
}

// NewInstanceID allocates a fresh InstanceID under prefix with a random
// suffix. reactive selects the tri-state flag embedded in the rendered name.
func NewInstanceID(prefix string, reactive ReactiveFlag) InstanceID {
	return InstanceID{
		Prefix:   prefix,
		Reactive: reactive,
		Suffix:   strings.ReplaceAll(uuid.New().String(), "-", "")[:20],
	}
}

// Name renders the InstanceID into its stable textual form, used as the VM's
// cloud name. An empty Prefix marks a raw external name (e.g. a stray
// platform-side runner fleetd never assigned a VM name to) and is returned
// verbatim as Suffix, so it round-trips through platform lookups that match
// on the literal name.
func (id InstanceID) Name() string {
	if id.Prefix == "" {
		return id.Suffix
	}
	switch id.Reactive {
	case Reactive:
		return fmt.Sprintf("%s-%s-%s", id.Prefix, reactiveSegment, id.Suffix)
	case NonReactive:
		return fmt.Sprintf("%s-%s-%s", id.Prefix, nonReactiveSegment, id.Suffix)
	default:
		return fmt.Sprintf("%s-%s", id.Prefix, id.Suffix)
	}
}

// String satisfies fmt.Stringer for logging.
func (id InstanceID) String() string {
	return id.Name()
}

// Equal reports whether two InstanceIDs share all three components.
func (id InstanceID) Equal(other InstanceID) bool {
	return id.Prefix == other.Prefix && id.Reactive == other.Reactive && id.Suffix == other.Suffix
}

// ParseInstanceID parses a rendered name back into an InstanceID, given the
// prefix the caller's manager owns. It is the left inverse of Name: for any
// id with id.Prefix == prefix, ParseInstanceID(prefix, id.Name()) == id.
func ParseInstanceID(prefix, name string) (InstanceID, error) {
	if !strings.HasPrefix(name, prefix+"-") {
		return InstanceID{}, fmt.Errorf("name %q does not carry prefix %q", name, prefix)
	}
	rest := strings.TrimPrefix(name, prefix+"-")

	if suffix, ok := strings.CutPrefix(rest, reactiveSegment+"-"); ok {
		return InstanceID{Prefix: prefix, Reactive: Reactive, Suffix: suffix}, nil
	}
	if suffix, ok := strings.CutPrefix(rest, nonReactiveSegment+"-"); ok {
		return InstanceID{Prefix: prefix, Reactive: NonReactive, Suffix: suffix}, nil
	}
	if rest == "" {
		return InstanceID{}, fmt.Errorf("name %q has empty suffix", name)
	}
	return InstanceID{Prefix: prefix, Reactive: ReactiveUnknown, Suffix: rest}, nil
}

// Short returns an 8-character prefix of the suffix, suitable for
// log-correlation display.
func (id InstanceID) Short() string {
	if len(id.Suffix) <= 8 {
		return id.Suffix
	}
	return id.Suffix[:8]
}
