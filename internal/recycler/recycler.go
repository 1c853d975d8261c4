// Package recycler implements the storage-recycling pass that runs
// after all uploads: deleted remote
// files whose deletion age falls inside the recycling window get their
// newest revision restored and are then deleted again, which resets
// the server's retention clock for that content. Re-deletions are
// batched by accumulated size so the async delete-batch API is called
// a bounded number of times.
package recycler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/aqla/vaultsync/internal/cloud"
	"github.com/aqla/vaultsync/internal/planner"
	"github.com/aqla/vaultsync/internal/vlog"
)

// MinAge and MaxAge bound the deletion-age window, inclusive on both
// ends: younger entries still have plenty of server-side retention
// left, older ones are too close to expiry to be worth recycling.
const (
	MinAge = 15 * 24 * time.Hour
	MaxAge = 29 * 24 * time.Hour
)

// FlushThreshold is the accumulated restored size at which the pending
// re-delete batch is flushed.
const FlushThreshold = 32 << 30 // 32 GiB

// revisionLimit caps how many revisions are fetched per path; the
// newest one is all that gets restored.
const revisionLimit = 100

// pollTimeout bounds how long one delete batch may stay in progress.
const pollTimeout = 10 * time.Minute

// Recycler runs the restore-then-re-delete pass.
type Recycler struct {
	svc cloud.Service
	// now and sleep are overridable for tests.
	now   func() time.Time
	sleep func(time.Duration)

	pending     []string
	pendingSize int64
}

// New returns a Recycler over svc.
func New(svc cloud.Service) *Recycler {
	return &Recycler{svc: svc, now: time.Now, sleep: time.Sleep}
}

// Run inspects every deleted entry and recycles the eligible ones. A
// deleted path that has been replaced by a live file, or whose parent
// folder no longer exists, is left alone. Per-path failures are logged
// and skipped so one bad entry cannot stall the rest of the pass.
func (r *Recycler) Run(ctx context.Context, deleted []planner.DeletedFile, existingFiles, existingFolders map[string]bool) error {
	for _, d := range deleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if existingFiles[d.Rel] {
			continue
		}
		parent := path.Dir(d.Rel)
		if parent == "." {
			parent = ""
		}
		if !existingFolders[parent] {
			continue
		}
		if err := r.recycleOne(ctx, d); err != nil {
			vlog.Errorf(d.Path, "recycle: %v", err)
		}
	}
	return r.flush(ctx)
}

func (r *Recycler) recycleOne(ctx context.Context, d planner.DeletedFile) error {
	revs, err := r.svc.ListRevisions(ctx, d.Path, revisionLimit)
	if err != nil {
		return fmt.Errorf("list revisions: %w", err)
	}
	if len(revs) == 0 {
		return nil
	}
	serverDeleted := revs[0].ServerDeleted
	if serverDeleted.IsZero() {
		// Not actually a deleted listing; nothing to recycle.
		return nil
	}
	age := r.now().Sub(serverDeleted)
	if age < MinAge || age > MaxAge {
		return nil
	}

	sort.Slice(revs, func(i, j int) bool {
		return revs[i].ClientModified.After(revs[j].ClientModified)
	})
	newest := revs[0]
	if err := r.svc.Restore(ctx, d.Path, newest.Rev); err != nil {
		return fmt.Errorf("restore rev %s: %w", newest.Rev, err)
	}
	vlog.Infof(d.Path, "restored rev %s (%d bytes, deleted %s ago)", newest.Rev, newest.Size, age.Round(time.Hour))

	if newest.Size >= FlushThreshold && len(r.pending) == 0 {
		return r.deleteBatch(ctx, []string{d.Path})
	}
	r.pending = append(r.pending, d.Path)
	r.pendingSize += newest.Size
	if r.pendingSize >= FlushThreshold {
		return r.flush(ctx)
	}
	return nil
}

// flush re-deletes everything accumulated so far.
func (r *Recycler) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	paths := r.pending
	r.pending = nil
	r.pendingSize = 0
	return r.deleteBatch(ctx, paths)
}

// deleteBatch launches one batch delete and polls it to completion,
// backing off from 100ms to a 1s cap.
func (r *Recycler) deleteBatch(ctx context.Context, paths []string) error {
	jobID, err := r.svc.DeleteBatch(ctx, paths)
	if err != nil {
		return fmt.Errorf("delete batch of %d: %w", len(paths), err)
	}
	sleepTime := 100 * time.Millisecond
	const maxSleepTime = 1 * time.Second
	startTime := r.now()
	for try := 1; ; try++ {
		if r.now().Sub(startTime) > pollTimeout {
			return errors.New("delete batch didn't complete in time")
		}
		done, err := r.svc.DeleteBatchCheck(ctx, jobID)
		if err != nil {
			vlog.Debugf("recycler", "delete batch poll: sleeping %v after error: %v: try %d", sleepTime, err, try)
		} else if done {
			vlog.Debugf("recycler", "delete batch of %d completed in %v", len(paths), r.now().Sub(startTime))
			return nil
		} else {
			vlog.Debugf("recycler", "delete batch poll: sleeping %v: try %d", sleepTime, try)
		}
		r.sleep(sleepTime)
		sleepTime *= 2
		if sleepTime > maxSleepTime {
			sleepTime = maxSleepTime
		}
	}
}
