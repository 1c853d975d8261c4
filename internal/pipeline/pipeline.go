// Package pipeline wires the upload stages together into a single
// cooperative task: file reader → optional encryption → chunk
// accumulator → upload driver, with session persistence handled inside
// the driver. One file runs to completion before the next starts; the
// only background work is the reader's read-ahead and next-file
// pre-open.
package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/aqla/vaultsync/internal/archive/winzipaes"
	"github.com/aqla/vaultsync/internal/chunk"
	"github.com/aqla/vaultsync/internal/cloud"
	"github.com/aqla/vaultsync/internal/driver"
	"github.com/aqla/vaultsync/internal/filereader"
	"github.com/aqla/vaultsync/internal/fserrors"
	"github.com/aqla/vaultsync/internal/model"
	"github.com/aqla/vaultsync/internal/vlog"
)

// Config carries the pipeline's tunables.
type Config struct {
	// ReadBufSize is the FileReader arena size; it is also the chunk
	// emit size C when ChunkSize is zero.
	ReadBufSize int
	// ChunkSize is C, the accumulator's emit threshold.
	ChunkSize int
	// ArenaSize is C_max, the accumulator's capacity ceiling.
	ArenaSize int
	// Password enables the encryption stage when non-empty.
	Password string
	// FileRetries is how many additional attempts the outer controller
	// makes per file after the first.
	FileRetries int
}

func (c Config) withDefaults() Config {
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = filereader.DefaultBufSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = c.ReadBufSize
	}
	if c.ArenaSize <= 0 {
		if c.ChunkSize == chunk.DefaultCapacity {
			c.ArenaSize = chunk.DefaultArenaCapacity
		} else {
			// keep the headroom proportional for non-default chunking
			c.ArenaSize = c.ChunkSize + c.ChunkSize/10
		}
	}
	if c.ArenaSize < c.ChunkSize {
		c.ArenaSize = c.ChunkSize
	}
	if c.FileRetries < 0 {
		c.FileRetries = 0
	}
	return c
}

// DefaultFileRetries is the outer controller's additional-attempt cap.
const DefaultFileRetries = 3

// Pipeline runs FileJobs through the upload stages sequentially.
type Pipeline struct {
	cfg   Config
	drv   *driver.Driver
	store driver.SessionStore
	queue *filereader.Queue
}

// New returns a Pipeline uploading through drv, consulting store to
// decide which queued file resumes first.
func New(drv *driver.Driver, store driver.SessionStore, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:   cfg,
		drv:   drv,
		store: store,
		queue: filereader.NewQueue(cfg.ReadBufSize),
	}
}

// Run uploads jobs in order. A queued file matching a saved
// SessionRecord is moved to the head of the queue so the resume
// happens before the server-side session can expire; a record naming a
// file that is no longer queued is deleted.
func (p *Pipeline) Run(ctx context.Context, jobs []model.FileJob) error {
	jobs = p.reorderForResume(jobs)
	for i, job := range jobs {
		nextPath := ""
		if i+1 < len(jobs) {
			nextPath = jobs[i+1].SourcePath
		}
		if err := p.uploadWithRetry(ctx, job, nextPath); err != nil {
			return fmt.Errorf("upload %s: %w", job.SourcePath, err)
		}
		vlog.Logf(job.SourcePath, "uploaded to %s", job.RemotePath)
	}
	return nil
}

func (p *Pipeline) reorderForResume(jobs []model.FileJob) []model.FileJob {
	rec, err := p.store.Load()
	if err != nil || rec == nil {
		return jobs
	}
	for i, job := range jobs {
		if job.SourcePath == rec.FilePath {
			if i == 0 {
				return jobs
			}
			reordered := make([]model.FileJob, 0, len(jobs))
			reordered = append(reordered, job)
			reordered = append(reordered, jobs[:i]...)
			reordered = append(reordered, jobs[i+1:]...)
			vlog.Infof(job.SourcePath, "moving to head of queue to resume saved session")
			return reordered
		}
	}
	// The recorded file was deleted or filtered out of this run.
	if err := p.store.Delete(); err != nil {
		vlog.Errorf(rec.FilePath, "delete orphaned session record: %v", err)
	}
	return jobs
}

// uploadWithRetry is the outer controller: up to FileRetries
// additional attempts per file, each re-opening the file
// from the beginning and letting the driver's resume protocol decide
// whether to skip, verify and continue, or restart.
func (p *Pipeline) uploadWithRetry(ctx context.Context, job model.FileJob, nextPath string) error {
	attempts := 1 + p.cfg.FileRetries
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.uploadFile(ctx, job, nextPath)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if fserrors.IsFatal(err) {
			return err
		}
		if attempt < attempts {
			vlog.Errorf(job.SourcePath, "attempt %d/%d failed, retrying: %v", attempt, attempts, err)
		}
	}
	return err
}

// writerFunc adapts a closure to io.Writer for the encrypt stage's
// output sink.
type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// uploadFile drives one complete pass over job: prepare (loading any
// resume state), stream the file through the optional encrypt stage
// into the accumulator, upload emitted chunks, and finish with the
// held-back final chunk. The final chunk is withheld from UploadChunk
// so it can ride on session_finish, or on simple_upload when the whole
// file fit in one chunk.
func (p *Pipeline) uploadFile(ctx context.Context, job model.FileJob, nextPath string) error {
	if err := p.drv.Prepare(ctx, job); err != nil {
		return err
	}

	var salt []byte
	var saltArr [16]byte
	encrypted := p.cfg.Password != ""
	if encrypted {
		if s := p.drv.LoadedSalt(); len(s) == winzipaes.SaltSize {
			copy(saltArr[:], s)
		} else {
			var err error
			saltArr, err = winzipaes.GenerateSalt()
			if err != nil {
				return fmt.Errorf("generate salt: %w", err)
			}
		}
		salt = saltArr[:]
	}

	p.queue.EnqueueNext(job.SourcePath)
	r, err := p.queue.OpenNext()
	if err != nil {
		return err
	}
	defer r.Close()

	acc := chunk.New(p.cfg.ChunkSize, p.cfg.ArenaSize)
	var pending []byte
	emit := func(c []byte) error {
		if pending != nil {
			if err := p.drv.UploadChunk(ctx, pending, salt); err != nil {
				return err
			}
		}
		pending = c
		return nil
	}
	sink := writerFunc(func(b []byte) (int, error) {
		c, emitted := acc.Write(b)
		if emitted {
			if err := emit(c); err != nil {
				return 0, err
			}
		}
		return len(b), nil
	})

	if encrypted {
		zw := winzipaes.NewWriter(sink)
		ew, err := zw.CreateEntry(job.SourcePath, job.TotalSize, p.cfg.Password, saltArr, job.ClientModified)
		if err != nil {
			return fmt.Errorf("create archive entry: %w", err)
		}
		if err := p.copyBlocks(ctx, r, ew, nextPath); err != nil {
			return err
		}
		if err := ew.Close(); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else {
		if err := p.copyBlocks(ctx, r, sink, nextPath); err != nil {
			return err
		}
	}

	if c, emitted := acc.Flush(); emitted {
		if err := emit(c); err != nil {
			return err
		}
	}

	commit := cloud.CommitInfo{
		Path:           job.RemotePath,
		Mode:           cloud.ModeOverwrite,
		ClientModified: job.ClientModified,
	}
	return p.drv.Finish(ctx, commit, pending)
}

// copyBlocks pumps source blocks from r into dst until EOF. At the EOF
// transition, the next queued file (if any) starts pre-opening in the
// background while the current file's tail is still being encrypted
// and uploaded.
func (p *Pipeline) copyBlocks(ctx context.Context, r *filereader.Reader, dst io.Writer, nextPath string) error {
	for {
		buf, eof, err := r.Next(ctx)
		if err != nil {
			return err
		}
		if len(buf) > 0 {
			if _, err := dst.Write(buf); err != nil {
				return err
			}
		}
		if eof {
			if nextPath != "" {
				p.queue.EnqueueNext(nextPath)
				p.queue.PrefetchNext()
			}
			return nil
		}
	}
}
