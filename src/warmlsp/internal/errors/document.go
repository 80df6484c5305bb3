package errors

import (
	"fmt"
)

// DocumentNotFoundError indicates that a document is not found on disk.
type DocumentNotFoundError struct {
	Path string
}

// Error is an implementation of the error interface.
func (n *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("Document %q not found", n.Path)
}

// DocumentSizeLimitError indicates that a document has exceeded the specified size limit.
type DocumentSizeLimitError struct {
	Path string
	Size int64
}

// Error is an implementation of the error interface.
func (n *DocumentSizeLimitError) Error() string {
	return fmt.Sprintf("size of %q (%d bytes) exceeds permitted limit", n.Path, n.Size)
}

// SessionNotFoundError indicates that no session is running for a project root.
type SessionNotFoundError struct {
	Root string
}

// Error is an implementation of the error interface.
func (n *SessionNotFoundError) Error() string {
	return fmt.Sprintf("no session for %q", n.Root)
}
