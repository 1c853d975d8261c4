// Command vaultsync mirrors a local directory tree to Dropbox through
// a bounded streaming pipeline, optionally wrapping every file in a
// password-protected AES-256 zip container:
//
//	vaultsync <token> <local-path> <remote-path> [<password>]
//
// An empty or absent password disables encryption and the ".zip"
// suffix on remote paths. Interrupted uploads resume across process
// restarts via a per-directory session record.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aqla/vaultsync/internal/cloud"
	"github.com/aqla/vaultsync/internal/cloud/dropboxclient"
	"github.com/aqla/vaultsync/internal/driver"
	"github.com/aqla/vaultsync/internal/pipeline"
	"github.com/aqla/vaultsync/internal/planner"
	"github.com/aqla/vaultsync/internal/recycler"
	"github.com/aqla/vaultsync/internal/retry"
	"github.com/aqla/vaultsync/internal/session"
	"github.com/aqla/vaultsync/internal/vlog"
)

func main() {
	if err := run(); err != nil {
		vlog.Errorf(nil, "%v", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("usage: %s <token> <local-path> <remote-path> [<password>]", filepath.Base(os.Args[0]))
	}
	token, localPath, remotePath := args[0], args[1], args[2]
	password := ""
	if len(args) == 4 {
		password = args[3]
	}
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	localPath, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("resolve local path: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir, err := session.DefaultStateDir()
	if err != nil {
		return err
	}
	if err := session.Sweep(stateDir); err != nil {
		vlog.Errorf(nil, "sweep stale session records: %v", err)
	}
	store, err := session.Open(stateDir, localPath)
	if err != nil {
		return err
	}

	svc := dropboxclient.New(ctx, token)

	suffix := ""
	if password != "" {
		suffix = ".zip"
	}
	plan, err := planner.Build(ctx, svc, localPath, remotePath, suffix)
	if err != nil {
		return fmt.Errorf("plan sync: %w", err)
	}
	vlog.Infof(nil, "%d files to upload, %d to delete, %d folders to create",
		len(plan.Jobs), len(plan.Deletes), len(plan.CreateFolders))

	pol := retry.New()
	for _, folder := range plan.CreateFolders {
		if err := pol.Call(ctx, func(int) error {
			return svc.CreateFolder(ctx, folder)
		}); err != nil {
			// Folder creation is advisory; an upload into a missing
			// folder creates it implicitly.
			vlog.Errorf(folder, "create folder: %v", err)
		}
	}

	p := pipeline.New(driver.New(svc, store, pol), store, pipeline.Config{
		Password:    password,
		FileRetries: pipeline.DefaultFileRetries,
	})
	if err := p.Run(ctx, plan.Jobs); err != nil {
		return err
	}

	if len(plan.Deletes) > 0 {
		if err := deleteRemoved(ctx, svc, plan.Deletes); err != nil {
			return err
		}
	}

	if err := recycler.New(svc).Run(ctx, plan.Deleted, plan.ExistingFiles, plan.ExistingFolders); err != nil {
		return fmt.Errorf("recycle deleted files: %w", err)
	}
	return nil
}

// deleteRemoved batch-deletes the remote files that no longer exist
// locally and waits for the batch to finish.
func deleteRemoved(ctx context.Context, svc cloud.Service, paths []string) error {
	jobID, err := svc.DeleteBatch(ctx, paths)
	if err != nil {
		return fmt.Errorf("delete batch of %d: %w", len(paths), err)
	}
	for {
		done, err := svc.DeleteBatchCheck(ctx, jobID)
		if err != nil {
			return fmt.Errorf("delete batch poll: %w", err)
		}
		if done {
			vlog.Infof(nil, "deleted %d remote files", len(paths))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
