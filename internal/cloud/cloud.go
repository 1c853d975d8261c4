// Package cloud declares the cloud object-store operations the
// upload pipeline consumes, kept
// free of any particular provider's SDK types so internal/driver,
// internal/planner and internal/recycler can be exercised against a
// fake in tests. internal/cloud/dropboxclient supplies the concrete
// implementation.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned (or wrapped) by SessionAppend and
// SessionFinish when the service reports the session no longer exists
// (expired or otherwise invalidated), which forces the driver to drop
// its resume record and start the file over.
var ErrSessionNotFound = errors.New("cloud: session not found")

// IncorrectOffsetError is returned (or wrapped) by SessionAppend when
// the service rejects the call because its idea of the session offset
// differs from the caller's — typically after a timed-out append that
// actually landed. CorrectOffset is the offset the service expects
// next; the driver uses it to skip already-received bytes instead of
// failing the chunk.
type IncorrectOffsetError struct {
	CorrectOffset uint64
}

func (e *IncorrectOffsetError) Error() string {
	return fmt.Sprintf("cloud: incorrect offset, server expects %d", e.CorrectOffset)
}

// WriteMode selects what happens when the destination already exists.
type WriteMode int

const (
	// ModeOverwrite replaces an existing file at the destination.
	ModeOverwrite WriteMode = iota
	// ModeAdd fails rather than overwrite; autorename stays off so a
	// collision surfaces as an error.
	ModeAdd
)

// CommitInfo carries the destination metadata for a finish/simple
// upload call.
type CommitInfo struct {
	Path           string // forward-slash destination path
	Mode           WriteMode
	ClientModified time.Time
}

// Entry is one item returned by ListFolder/ListFolderContinue.
type Entry struct {
	Path           string
	IsDir          bool
	IsDeleted      bool
	ClientModified time.Time
	Size           int64
}

// Revision is one item returned by ListRevisions.
type Revision struct {
	Rev            string
	ClientModified time.Time
	Size           int64
	ServerDeleted  time.Time // zero if not a deleted-file revision listing
}

// Service is every cloud-service operation the core consumes.
type Service interface {
	SessionStart(ctx context.Context, chunk []byte, contentHash string) (sessionID string, err error)
	SessionAppend(ctx context.Context, sessionID string, offset uint64, chunk []byte, contentHash string) error
	SessionFinish(ctx context.Context, sessionID string, offset uint64, commit CommitInfo, chunk []byte, contentHash string) error
	SimpleUpload(ctx context.Context, commit CommitInfo, chunk []byte, contentHash string) error

	ListFolder(ctx context.Context, path string, recursive bool, limit int, includeDeleted bool) (entries []Entry, cursor string, hasMore bool, err error)
	ListFolderContinue(ctx context.Context, cursor string) (entries []Entry, nextCursor string, hasMore bool, err error)
	CreateFolder(ctx context.Context, path string) error

	DeleteBatch(ctx context.Context, paths []string) (jobID string, err error)
	DeleteBatchCheck(ctx context.Context, jobID string) (done bool, err error)

	ListRevisions(ctx context.Context, path string, limit int) ([]Revision, error)
	Restore(ctx context.Context, path string, rev string) error
}
