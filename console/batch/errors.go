package batch

import (
	"fmt"
)

// PartialFailureError summarizes a batch where some items failed.
type PartialFailureError struct {
	Operation string
	Total     int
	Succeeded int
	Failed    int
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s partial failure: %d succeeded, %d failed (total: %d)",
		e.Operation, e.Succeeded, e.Failed, e.Total)
}
