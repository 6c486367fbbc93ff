package common

import (
	"errors"
	"fmt"
)

// Nid names one node block (inode, direct or indirect node)
// independently of where the block currently lives on disk.
type Nid = uint32

// Block is a physical block address.  On disk it is stored in 32 bits.
type Block = uint64

const (
	NULLNID Nid = 0

	// NullAddr marks a node or data slot that was never written or was
	// freed.  NewAddr marks one that is counted as used but has not yet
	// been placed on disk.
	NullAddr Block = 0
	NewAddr  Block = 0xffffffff

	MaxAddr Block = NewAddr - 1
)

func IsValidAddr(a Block) bool {
	return a != NullAddr && a != NewAddr
}

var (
	// ErrNotFound reports a hole: a zero nid slot or a NULL address
	// met by a lookup that is not allowed to allocate.
	ErrNotFound = errors.New("node not found")

	// ErrNoSpace reports that no nid, node or block could be
	// allocated.
	ErrNoSpace = errors.New("no space left")

	// ErrIO is matched by every block I/O failure.
	ErrIO = errors.New("i/o error")
)

// IOError wraps a device failure on a specific block.
type IOError struct {
	Op   string
	Addr Block
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s block %d: %v", e.Op, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}
