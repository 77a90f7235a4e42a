package transit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"e":          East,
		"east":       East,
		"Eastbound":  East,
		" WB ":       West,
		"north":      North,
		"SOUTHBOUND": South,
		"n":          North,
	}
	for in, want := range cases {
		got, err := ParseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseDirectionRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "up", "bound", "northeast"} {
		_, err := ParseDirection(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrMalformedRequest), in)
	}
}

func TestDirectionFromBearing(t *testing.T) {
	assert.Equal(t, North, DirectionFromBearing(10))
	assert.Equal(t, North, DirectionFromBearing(350))
	assert.Equal(t, East, DirectionFromBearing(80))
	assert.Equal(t, South, DirectionFromBearing(200))
	assert.Equal(t, West, DirectionFromBearing(-80))
	assert.Equal(t, East, DirectionFromBearing(450))
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, errors.Is(&UnknownRouteError{RouteID: "44", Direction: East}, ErrUnknownEntity))
	assert.True(t, errors.Is(&UnknownEntityError{Kind: "station", ID: "9"}, ErrUnknownEntity))
	assert.True(t, errors.Is(FromContext(errors.New("context deadline exceeded")), ErrTimeout))
	assert.Nil(t, FromContext(nil))
}
