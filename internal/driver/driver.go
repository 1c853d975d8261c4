// Package driver implements the upload driver: it moves one file's
// bytes through the cloud service's chunked-upload state machine,
// verifies and resumes from a saved SessionRecord, retries transient
// failures, and persists progress after each successfully uploaded
// chunk.
package driver

import (
	"context"
	"errors"

	"github.com/aqla/vaultsync/internal/chainhash"
	"github.com/aqla/vaultsync/internal/cloud"
	"github.com/aqla/vaultsync/internal/contenthash"
	"github.com/aqla/vaultsync/internal/fserrors"
	"github.com/aqla/vaultsync/internal/model"
	"github.com/aqla/vaultsync/internal/retry"
	"github.com/aqla/vaultsync/internal/vlog"
)

// SessionStore is the subset of internal/session.Store the driver
// needs, kept as an interface so tests can substitute an in-memory
// fake without touching disk.
type SessionStore interface {
	Load() (*model.SessionRecord, error)
	Save(rec *model.SessionRecord) error
	Delete() error
}

// Retrier is the subset of internal/retry.Policy the driver needs.
type Retrier interface {
	Call(ctx context.Context, fn func(attempt int) error) error
}

// Driver drives one file at a time through the chunked-upload state
// machine. It is not safe for concurrent use; the pipeline runs one
// file to completion before starting the next.
type Driver struct {
	Cloud cloud.Service
	Store SessionStore
	Retry Retrier

	job   model.FileJob
	state model.PipelineState
	chain *chainhash.Chain
}

// New returns a Driver ready for Prepare.
func New(svc cloud.Service, store SessionStore, pol Retrier) *Driver {
	return &Driver{Cloud: svc, Store: store, Retry: pol}
}

// Prepare clears transient state for job, loads any saved
// SessionRecord, and validates it against the job; a record that does
// not match is deleted and the upload proceeds fresh. It is
// idempotent: calling it twice in a row for the same job leaves the
// same transient state both times.
func (d *Driver) Prepare(ctx context.Context, job model.FileJob) error {
	d.job = job
	d.state.Reset()
	d.chain = chainhash.New()

	rec, err := d.Store.Load()
	if err != nil {
		// A store read failure is never fatal: proceed as if nothing
		// were stored.
		vlog.Errorf(job.SourcePath, "load session record: %v", err)
		rec = nil
	}
	if rec == nil {
		return nil
	}
	if !rec.Matches(job) {
		if err := d.Store.Delete(); err != nil {
			vlog.Errorf(job.SourcePath, "delete stale session record: %v", err)
		}
		return nil
	}

	d.state.ResumeOffset = rec.CurrentOffset
	d.state.UploadOffset = rec.CurrentOffset
	d.state.LocalOffset = 0
	d.state.HashVerified = false
	d.state.ActiveSession = &model.UploadSession{ID: rec.SessionID, ServerOffset: uint64(rec.CurrentOffset)}
	d.state.LoadedContentHash = rec.ContentHash
	d.state.LoadedSalt = rec.EncryptionSalt
	return nil
}

// ResumeOffset reports the resume point Prepare loaded (0 for a fresh
// upload), for callers that need to seed the EncryptStage/chunk
// pipeline's own bookkeeping.
func (d *Driver) ResumeOffset() int64 { return d.state.ResumeOffset }

// LoadedSalt reports the encryption salt carried by a matched
// SessionRecord, or nil on a fresh upload.
func (d *Driver) LoadedSalt() []byte { return d.state.LoadedSalt }

// UploadChunk processes one non-final chunk: fold it into the chain
// hash, verify the chain at the resume point, skip bytes the server
// already holds, dispatch to session_start or session_append, and
// persist the updated SessionRecord. salt is the encryption salt in
// effect for this file (nil when encryption is disabled); it is written
// into the SessionRecord saved for this chunk, and when it is nil the
// salt loaded from a matched record is written instead.
func (d *Driver) UploadChunk(ctx context.Context, chunk []byte, salt []byte) error {
	// 1. Hash the chunk into the running chain.
	d.chain.Write(chunk)
	d.state.LocalOffset += int64(len(chunk))

	// 2. Verify at the resume point, at most once per file.
	if d.state.ResumeOffset > 0 && !d.state.HashVerified && d.state.LocalOffset >= d.state.ResumeOffset {
		if !d.chain.Equal(d.state.LoadedContentHash) {
			if err := d.Store.Delete(); err != nil {
				vlog.Errorf(d.job.SourcePath, "delete session record after failed resume verification: %v", err)
			}
			d.state.Reset()
			return fserrors.ResumeFailed("hash verification failed")
		}
		d.state.HashVerified = true
	}

	// 3. Skip if still before the resume point: the cloud service
	// already holds these bytes.
	if d.state.LocalOffset <= d.state.ResumeOffset {
		return nil
	}

	// 4. Dispatch to cloud.
	contentHash := contenthash.Sum32(chunk)
	if d.state.ActiveSession == nil {
		var id string
		err := d.Retry.Call(ctx, func(attempt int) error {
			var startErr error
			id, startErr = d.Cloud.SessionStart(ctx, chunk, contentHash)
			return startErr
		})
		if err != nil {
			return d.dispatchFailed(err)
		}
		d.state.ActiveSession = &model.UploadSession{ID: id}
	} else {
		if err := d.appendChunk(ctx, chunk, contentHash); err != nil {
			return d.dispatchFailed(err)
		}
	}
	d.state.UploadOffset += int64(len(chunk))

	// 5. Persist progress.
	rec := &model.SessionRecord{
		SessionID:      d.state.ActiveSession.ID,
		FilePath:       d.job.SourcePath,
		ClientModified: d.job.ClientModified,
		TotalSize:      d.job.TotalSize,
		CurrentOffset:  d.state.LocalOffset,
		EncryptionSalt: chooseSalt(salt, d.state.LoadedSalt),
		ContentHash:    d.chain.Hex(),
	}
	if err := d.Store.Save(rec); err != nil {
		vlog.Errorf(d.job.SourcePath, "save session record: %v", err)
	}
	return nil
}

// appendChunk sends one chunk to session_append, recovering from a
// server-reported incorrect-offset response inside the retry loop: if
// the service already holds a prefix of this chunk (an append that
// timed out after landing), the resend skips the received bytes
// instead of failing the chunk. The byte view is stable across
// attempts; only the skip point moves forward.
func (d *Driver) appendChunk(ctx context.Context, chunk []byte, contentHash string) error {
	sessionID := d.state.ActiveSession.ID
	offset := uint64(d.state.UploadOffset)
	skip := 0
	return d.Retry.Call(ctx, func(attempt int) error {
		part := chunk[skip:]
		hash := contentHash
		if skip > 0 {
			hash = contenthash.Sum32(part)
		}
		appendErr := d.Cloud.SessionAppend(ctx, sessionID, offset+uint64(skip), part, hash)
		var offErr *cloud.IncorrectOffsetError
		if errors.As(appendErr, &offErr) {
			newSkip := int64(offErr.CorrectOffset) - int64(offset)
			switch {
			case newSkip == int64(len(chunk)):
				// The whole chunk landed; the error was for a resend.
				vlog.Debugf(d.job.SourcePath, "append at %d: server already holds chunk, continuing", offset)
				return nil
			case newSkip < int64(skip) || newSkip > int64(len(chunk)):
				return fserrors.NoRetryError(appendErr)
			default:
				vlog.Debugf(d.job.SourcePath, "append at %d: server expects %d, skipping %d bytes on retry", offset, offErr.CorrectOffset, newSkip)
				skip = int(newSkip)
				return retry.TimeoutError(appendErr)
			}
		}
		return appendErr
	})
}

// dispatchFailed handles a failed cloud call: a session-not-found
// response deletes the record and surfaces ResumeFailed; any other error
// propagates untouched, leaving the SessionRecord intact for a future
// retry.
func (d *Driver) dispatchFailed(err error) error {
	if errors.Is(err, cloud.ErrSessionNotFound) {
		if delErr := d.Store.Delete(); delErr != nil {
			vlog.Errorf(d.job.SourcePath, "delete session record after session-not-found: %v", delErr)
		}
		d.state.Reset()
		return fserrors.ResumeFailed("session not found")
	}
	return err
}

// Finish finalizes the file: a single-shot upload if no session was
// ever started, otherwise session_finish with the final chunk. The
// final chunk goes through the same chain-hash verify/skip gate as
// every other chunk first, so a resume point landing inside it still
// fails verification instead of committing corrupted content, and
// bytes the server already holds are not re-sent. On success the
// SessionRecord is deleted and transient state cleared; on failure the
// record is left intact for another attempt.
func (d *Driver) Finish(ctx context.Context, commit cloud.CommitInfo, chunk []byte) error {
	d.chain.Write(chunk)
	d.state.LocalOffset += int64(len(chunk))

	if d.state.ResumeOffset > 0 && !d.state.HashVerified && d.state.LocalOffset >= d.state.ResumeOffset {
		if !d.chain.Equal(d.state.LoadedContentHash) {
			if err := d.Store.Delete(); err != nil {
				vlog.Errorf(d.job.SourcePath, "delete session record after failed resume verification: %v", err)
			}
			d.state.Reset()
			return fserrors.ResumeFailed("hash verification failed")
		}
		d.state.HashVerified = true
	}

	// The server already holds the final bytes; commit only.
	if d.state.LocalOffset <= d.state.ResumeOffset {
		chunk = nil
	}

	contentHash := contenthash.Sum32(chunk)

	var err error
	if d.state.ActiveSession == nil {
		err = d.Retry.Call(ctx, func(attempt int) error {
			return d.Cloud.SimpleUpload(ctx, commit, chunk, contentHash)
		})
	} else {
		sessionID := d.state.ActiveSession.ID
		offset := uint64(d.state.UploadOffset)
		err = d.Retry.Call(ctx, func(attempt int) error {
			return d.Cloud.SessionFinish(ctx, sessionID, offset, commit, chunk, contentHash)
		})
	}
	if err != nil {
		return d.dispatchFailed(err)
	}

	if err := d.Store.Delete(); err != nil {
		vlog.Errorf(d.job.SourcePath, "delete session record after finish: %v", err)
	}
	d.state.Reset()
	return nil
}

func chooseSalt(thisCall, loaded []byte) []byte {
	if len(thisCall) > 0 {
		return thisCall
	}
	return loaded
}
