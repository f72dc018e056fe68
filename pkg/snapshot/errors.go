package snapshot

import (
	"errors"
	"fmt"
)

// ============================================================================
// Standard Accessor Errors
// ============================================================================

// Accessor implementations wrap one of these sentinels in a *ReadError.
//
// Usage Pattern:
//
//	if err := acc.ReadPhysical(phys, buf); err != nil {
//	    if errors.Is(err, snapshot.ErrExcluded) {
//	        excluded++
//	        continue
//	    }
//	    return err
//	}

var (
	// ErrUnreadable indicates the address is not backed by the snapshot.
	//
	// Typical causes:
	//   - a broken or garbage pointer
	//   - a range that was never captured (mapped-out memory)
	//   - an I/O error from the underlying source
	ErrUnreadable = errors.New("unreadable")

	// ErrExcluded indicates the address lies inside captured RAM but its
	// bytes were stripped by a dump filter (for example makedumpfile
	// excluding page cache pages). Callers tally it instead of failing.
	ErrExcluded = errors.New("excluded from snapshot")
)

// ReadError describes a failed snapshot read.
type ReadError struct {
	Space  Space
	Addr   Address
	Length int

	// Err is ErrUnreadable, ErrExcluded, or an I/O error from the source.
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s read at %s (%d bytes): %v", e.Space, e.Addr, e.Length, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Unreadable builds a ReadError wrapping ErrUnreadable.
func Unreadable(space Space, addr Address, length int) error {
	return &ReadError{Space: space, Addr: addr, Length: length, Err: ErrUnreadable}
}

// Excluded builds a ReadError wrapping ErrExcluded.
func Excluded(space Space, addr Address, length int) error {
	return &ReadError{Space: space, Addr: addr, Length: length, Err: ErrExcluded}
}

// IsMissing reports whether err means the bytes are simply not available,
// as opposed to a failure of the source itself.
func IsMissing(err error) bool {
	return errors.Is(err, ErrUnreadable) || errors.Is(err, ErrExcluded)
}
