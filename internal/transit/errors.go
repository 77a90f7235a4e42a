package transit

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntity marks an invalid station, route or direction id.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrMalformedRequest marks bad parameter syntax.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrInsufficientData is returned when no historical samples exist at all.
	ErrInsufficientData = errors.New("insufficient historical data")
	// ErrStaleData is returned when every known vehicle state has expired.
	ErrStaleData = errors.New("vehicle state expired")
	// ErrTimeout is returned when a query exceeds its time budget.
	ErrTimeout = errors.New("query timed out")
)

type UnknownEntityError struct {
	Kind string
	ID   string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.ID)
}

func (e *UnknownEntityError) Is(target error) bool { return target == ErrUnknownEntity }

// UnknownRouteError is returned by the geometry index for a route/direction
// pair that is not indexed.
type UnknownRouteError struct {
	RouteID   string
	Direction Direction
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("unknown route %q direction %q", e.RouteID, e.Direction)
}

func (e *UnknownRouteError) Is(target error) bool { return target == ErrUnknownEntity }

type MalformedRequestError struct {
	Param  string
	Reason string
}

func (e *MalformedRequestError) Error() string {
	if e.Param == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

func (e *MalformedRequestError) Is(target error) bool { return target == ErrMalformedRequest }

// Malformed is shorthand for a MalformedRequestError.
func Malformed(param, format string, args ...any) error {
	return &MalformedRequestError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

// FromContext converts a context error into ErrTimeout; other errors pass through.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTimeout, err)
}
