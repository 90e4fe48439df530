package receiving

import "fmt"

// poTransitions is the closed transition table. An edge must be listed here
// to be legal; there is no positional arithmetic on the status order.
var poTransitions = map[POStatus][]POStatus{
	POStatusOrdered:     {POStatusArrived},
	POStatusArrived:     {POStatusGRNVerified},
	POStatusGRNVerified: {POStatusQCInProgress},
	// IN_STORE is the clean terminal branch, RETURNED_TO_VENDOR the defect one.
	POStatusQCInProgress:     {POStatusReturnedToVendor, POStatusInStore},
	POStatusReturnedToVendor: {POStatusCompleted},
	POStatusInStore:          {},
	POStatusCompleted:        {},
}

// ValidStatus reports whether s is a known purchase order status.
func ValidStatus(s POStatus) bool {
	_, ok := poTransitions[s]
	return ok
}

// CanTransition reports whether from→to is a legal single step.
func CanTransition(from, to POStatus) bool {
	for _, next := range poTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a single status step, returning ErrInvalidState with
// the current and requested state when the edge is not in the table.
func Transition(from, to POStatus) error {
	if !ValidStatus(from) || !ValidStatus(to) {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidState, from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return nil
}

// pathTo resolves the hop sequence from one status to a target by walking the
// table. Derived targets (completion, defect short-circuit) can sit more than
// one legal step away from the current status.
func pathTo(from, to POStatus) ([]POStatus, bool) {
	if from == to {
		return nil, true
	}
	type node struct {
		status POStatus
		path   []POStatus
	}
	visited := map[POStatus]bool{from: true}
	queue := []node{{status: from}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range poTransitions[current.status] {
			if visited[next] {
				continue
			}
			path := append(append([]POStatus(nil), current.path...), next)
			if next == to {
				return path, true
			}
			visited[next] = true
			queue = append(queue, node{status: next, path: path})
		}
	}
	return nil, false
}
