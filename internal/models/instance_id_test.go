package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDNameRoundTrip(t *testing.T) {
	cases := []ReactiveFlag{Reactive, NonReactive, ReactiveUnknown}

	for _, flag := range cases {
		id := NewInstanceID("fleetd", flag)
		name := id.Name()

		parsed, err := ParseInstanceID("fleetd", name)
		require.NoError(t, err, "ParseInstanceID(%q)", name)
		assert.True(t, parsed.Equal(id), "round trip mismatch: got %+v, want %+v", parsed, id)
	}
}

func TestInstanceIDNameEmbedsReactiveSegment(t *testing.T) {
	assert.Equal(t, "fleetd-r-", NewInstanceID("fleetd", Reactive).Name()[:9])
	assert.Equal(t, "fleetd-nr-", NewInstanceID("fleetd", NonReactive).Name()[:10])
}

func TestParseInstanceIDRejectsWrongPrefix(t *testing.T) {
	_, err := ParseInstanceID("fleetd", "other-nr-abc123")
	assert.Error(t, err)
}

func TestParseInstanceIDRejectsEmptySuffix(t *testing.T) {
	_, err := ParseInstanceID("fleetd", "fleetd-")
	assert.Error(t, err)
}

func TestShortTruncatesToEightCharacters(t *testing.T) {
	id := InstanceID{Prefix: "fleetd", Suffix: "abcdefghijklmnop"}
	assert.Equal(t, "abcdefgh", id.Short())

	short := InstanceID{Prefix: "fleetd", Suffix: "abc"}
	assert.Equal(t, "abc", short.Short())
}
