package transit

import (
	"fmt"
	"strings"
)

// Direction is the compass heading a route variant travels in.
type Direction string

const (
	North Direction = "North"
	South Direction = "South"
	East  Direction = "East"
	West  Direction = "West"
)

// Directions lists every valid direction in a stable order.
var Directions = []Direction{North, South, East, West}

// ParseDirection accepts the spellings used by clients and feeds:
// "n", "north", "northbound", "nb" and so on, case-insensitive.
func ParseDirection(s string) (Direction, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "bound")
	switch v {
	case "n", "nb", "north":
		return North, nil
	case "s", "sb", "south":
		return South, nil
	case "e", "eb", "east":
		return East, nil
	case "w", "wb", "west":
		return West, nil
	}
	return "", &MalformedRequestError{Param: "direction", Reason: fmt.Sprintf("unknown direction %q", s)}
}

// Valid reports whether d is one of the four compass directions.
func (d Direction) Valid() bool {
	switch d {
	case North, South, East, West:
		return true
	}
	return false
}

func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	}
	return d
}

// DirectionFromBearing maps a bearing in degrees (0 = north, clockwise)
// to the nearest compass direction.
func DirectionFromBearing(deg float64) Direction {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	switch {
	case deg < 45 || deg >= 315:
		return North
	case deg < 135:
		return East
	case deg < 225:
		return South
	default:
		return West
	}
}

// Bearing returns the nominal bearing of d in degrees.
func (d Direction) Bearing() float64 {
	switch d {
	case East:
		return 90
	case South:
		return 180
	case West:
		return 270
	}
	return 0
}
