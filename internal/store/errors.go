package store

import "fmt"

// RegressionError reports an attempted sync cursor regression. It signals
// local corruption: recovery is a forced full re-sync of the affected scope.
type RegressionError struct {
	Scope  string
	Stored int64
	New    int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("cursor regression for %s: stored %d, new %d", e.Scope, e.Stored, e.New)
}
