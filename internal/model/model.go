// Package model holds the data types shared across the upload pipeline:
// FileJob, UploadSession, SessionRecord and PipelineState.
package model

import (
	"encoding/hex"
	"time"
)

// FileJob is one unit of upload. It is immutable after creation and its
// lifetime spans one invocation of the UploadDriver.
type FileJob struct {
	// SourcePath is the absolute local path of the file to upload.
	SourcePath string
	// RemotePath is pre-computed, forward-slash normalized, with the
	// archive suffix appended when encryption is enabled.
	RemotePath string
	// TotalSize is the file's byte length at plan time.
	TotalSize int64
	// ClientModified is the file's UTC, millisecond-precision mtime.
	ClientModified time.Time
}

// UploadSession is the cloud service's server-side handle for a chunked
// upload in progress.
type UploadSession struct {
	ID           string
	ServerOffset uint64
}

// SessionRecord is the on-disk resume token. Exactly one exists per
// local-directory scope.
type SessionRecord struct {
	SessionID      string    `json:"session_id"`
	FilePath       string    `json:"file_path"`
	ClientModified time.Time `json:"client_modified"`
	TotalSize      int64     `json:"total_size"`
	CurrentOffset  int64     `json:"current_offset"`
	EncryptionSalt []byte    `json:"encryption_salt,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
}

// Valid reports whether the record satisfies the stored-record
// invariants: the offset fits the file, the salt (when present) is
// exactly 16 bytes, and the content hash (when present) is 64 hex
// characters.
func (r *SessionRecord) Valid() bool {
	if r.CurrentOffset < 0 || r.CurrentOffset > r.TotalSize {
		return false
	}
	if len(r.EncryptionSalt) != 0 && len(r.EncryptionSalt) != 16 {
		return false
	}
	if r.ContentHash != "" {
		if len(r.ContentHash) != 64 {
			return false
		}
		if _, err := hex.DecodeString(r.ContentHash); err != nil {
			return false
		}
	}
	return true
}

// Matches reports whether a loaded SessionRecord belongs to job: the
// absolute path, total size and client-modified time all agree and the
// record carries a non-empty content hash. Anything else means the
// file changed since the session started and the record is useless.
func (r *SessionRecord) Matches(job FileJob) bool {
	if r == nil {
		return false
	}
	if r.FilePath != job.SourcePath {
		return false
	}
	if r.TotalSize != job.TotalSize {
		return false
	}
	if !r.ClientModified.Equal(job.ClientModified) {
		return false
	}
	if r.CurrentOffset < 0 {
		return false
	}
	if r.ContentHash == "" {
		return false
	}
	return true
}

// PipelineState is transient, per-file state created by prepare() and
// cleared by finish() or on fatal error exit.
type PipelineState struct {
	UploadOffset  int64
	LocalOffset   int64
	ResumeOffset  int64
	ActiveSession *UploadSession
	HashState     [32]byte
	HashVerified  bool

	// LoadedContentHash / LoadedSalt remember what the loaded
	// SessionRecord carried, for comparison and re-emission.
	LoadedContentHash string
	LoadedSalt        []byte
}

// Reset clears the transient state back to its zero value.
func (p *PipelineState) Reset() {
	*p = PipelineState{}
}
