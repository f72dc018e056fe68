package kernel

import (
	"errors"
	"fmt"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

var (
	// ErrListCycle indicates a list_head chain revisits a node before
	// returning to its head.
	ErrListCycle = errors.New("list revisits a node")

	// ErrListTooLong indicates a list exceeded its iteration cap.
	ErrListTooLong = errors.New("list exceeds iteration cap")
)

// ListError reports a list that could not be followed back to its head.
//
// Err is ErrListCycle, ErrListTooLong, or the read error of the link at At.
type ListError struct {
	Head snapshot.Address
	At   snapshot.Address
	Read int
	Err  error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("list at %s broken at %s after %d entries: %v", e.Head, e.At, e.Read, e.Err)
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// ListNodes follows the next pointers of the list_head at head and returns
// the address of every node until the head comes around again.
//
// An unreadable head returns the read error unchanged. Anything that goes
// wrong later returns the nodes collected so far and a *ListError. A node is
// only accepted once its own next pointer has been read.
func (r *Reader) ListNodes(head snapshot.Address, limit int) ([]snapshot.Address, error) {
	next, err := snapshot.ReadPointer(r.acc, head)
	if err != nil {
		return nil, err
	}

	var nodes []snapshot.Address
	visited := make(map[snapshot.Address]struct{})
	for node := next; node != head; node = next {
		if _, seen := visited[node]; seen {
			return nodes, &ListError{Head: head, At: node, Read: len(nodes), Err: ErrListCycle}
		}
		if len(nodes) >= limit {
			return nodes, &ListError{Head: head, At: node, Read: len(nodes), Err: ErrListTooLong}
		}
		next, err = snapshot.ReadPointer(r.acc, node)
		if err != nil {
			return nodes, &ListError{Head: head, At: node, Read: len(nodes), Err: err}
		}
		visited[node] = struct{}{}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
