package depgraph

import (
	"errors"
	"strings"
)

var (
	ErrNotRegistered     = errors.New("depgraph: name not registered")
	ErrAlreadyRegistered = errors.New("depgraph: name already registered")
)

// CycleError reports a dependency cycle found during resolution.
// Cycle holds the member names in path order; the first name closes the loop.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "depgraph: dependency cycle"
	}
	return "depgraph: dependency cycle: " + strings.Join(e.Cycle, " -> ") + " -> " + e.Cycle[0]
}

// IsCycle reports whether err is (or wraps) a CycleError.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
