// Package planner produces the upload plan the pipeline consumes:
// the ordered FileJobs, the set of remote
// paths to delete, the lowercase existing-files and existing-folders
// sets, and the deleted remote entries the storage recycler inspects.
//
// Remote path comparison is case-insensitive with forward-slash
// separators; local files whose remote counterpart's client-modified
// time matches within one second are omitted.
package planner

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aqla/vaultsync/internal/cloud"
	"github.com/aqla/vaultsync/internal/fserrors"
	"github.com/aqla/vaultsync/internal/model"
	"github.com/aqla/vaultsync/internal/vlog"
)

// ModTimeTolerance is the slack allowed between a local mtime and the
// remote client-modified time before a file counts as changed.
const ModTimeTolerance = time.Second

// maxFileNameLength is the longest path component the remote accepts.
const maxFileNameLength = 255

// listPageSize is the page size requested from the listing API.
const listPageSize = 2000

// ignoredFiles are OS droppings and service-internal names the remote
// rejects or that have no business being uploaded.
var ignoredFiles = regexp.MustCompile(`(?i)(^|/)(desktop\.ini|thumbs\.db|\.ds_store|icon\r|\.dropbox|\.dropbox\.attr)$`)

// Plan is the planner's output. The existing-file and existing-folder
// sets and DeletedFile.Rel are keyed the way the remote compares paths:
// lowercase, forward slashes, relative to the remote root ("" is the
// root itself). Deletes, CreateFolders and DeletedFile.Path hold
// absolute remote paths.
type Plan struct {
	// Jobs is the ordered upload list (lexical walk order).
	Jobs []model.FileJob
	// Deletes holds absolute remote paths of files that no longer
	// exist locally.
	Deletes []string
	// CreateFolders holds absolute remote paths of folders that exist
	// locally but not remotely, parents before children.
	CreateFolders []string
	// ExistingFiles is the lowercase relative-path set of live remote
	// files.
	ExistingFiles map[string]bool
	// ExistingFolders is the lowercase relative-path set of remote
	// folders, including "" for the root.
	ExistingFolders map[string]bool
	// Deleted holds the deleted remote entries for the recycler.
	Deleted []DeletedFile
}

// DeletedFile is one deleted remote entry, carrying both the absolute
// path the API wants and the lowercase relative key the existing-file
// and existing-folder sets are indexed by.
type DeletedFile struct {
	Path string
	Rel  string
}

// Build walks localRoot, lists remoteRoot recursively with deleted
// entries included, and diffs the two. archiveSuffix (".zip" when
// encryption is on, "" otherwise) is appended to every remote file
// path before comparison.
func Build(ctx context.Context, svc cloud.Service, localRoot, remoteRoot, archiveSuffix string) (*Plan, error) {
	remoteRoot = normalizeRemoteRoot(remoteRoot)
	plan := &Plan{
		ExistingFiles:   map[string]bool{},
		ExistingFolders: map[string]bool{"": true},
	}

	remoteFiles, err := listRemote(ctx, svc, remoteRoot, plan)
	if err != nil {
		return nil, err
	}

	localFiles := map[string]bool{}
	localFolders := []string{}
	err = filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)
		if d.IsDir() {
			if relSlash != "." {
				localFolders = append(localFolders, relSlash)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			vlog.Debugf(p, "skipping non-regular file")
			return nil
		}
		if ignoredFiles.MatchString(relSlash) {
			vlog.Debugf(p, "skipping ignored file")
			return nil
		}
		remotePath := remoteRoot + "/" + relSlash + archiveSuffix
		if err := checkPathLength(remotePath); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		key := strings.ToLower(relSlash + archiveSuffix)
		localFiles[key] = true
		if remote, ok := remoteFiles[key]; ok {
			diff := info.ModTime().UTC().Sub(remote.ClientModified.UTC())
			if diff < 0 {
				diff = -diff
			}
			if diff <= ModTimeTolerance {
				return nil
			}
		}
		plan.Jobs = append(plan.Jobs, model.FileJob{
			SourcePath:     p,
			RemotePath:     remotePath,
			TotalSize:      info.Size(),
			ClientModified: info.ModTime().UTC().Truncate(time.Millisecond),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, folder := range localFolders {
		if !plan.ExistingFolders[strings.ToLower(folder)] {
			plan.CreateFolders = append(plan.CreateFolders, remoteRoot+"/"+folder)
		}
	}

	// Remote files with no local counterpart get deleted: one-way
	// mirror, last writer wins.
	for key, entry := range remoteFiles {
		if !localFiles[key] {
			plan.Deletes = append(plan.Deletes, entry.Path)
		}
	}
	sort.Strings(plan.Deletes)
	return plan, nil
}

// listRemote pages through the recursive, deleted-inclusive listing of
// remoteRoot, filling the plan's existing-file/folder sets and deleted
// entries, and returning live files keyed by lowercase relative path.
// A remote root that does not exist yet yields an empty listing.
func listRemote(ctx context.Context, svc cloud.Service, remoteRoot string, plan *Plan) (map[string]cloud.Entry, error) {
	remoteFiles := map[string]cloud.Entry{}
	entries, cursor, hasMore, err := svc.ListFolder(ctx, remoteRoot, true, listPageSize, true)
	if err != nil {
		if strings.Contains(err.Error(), "not_found") && !fserrors.IsFatal(err) {
			return remoteFiles, nil
		}
		return nil, fmt.Errorf("list %s: %w", remoteRoot, err)
	}
	for {
		for _, e := range entries {
			rel, ok := relativeTo(remoteRoot, e.Path)
			if !ok {
				continue
			}
			switch {
			case e.IsDir:
				plan.ExistingFolders[rel] = true
			case e.IsDeleted:
				plan.Deleted = append(plan.Deleted, DeletedFile{Path: e.Path, Rel: rel})
			default:
				plan.ExistingFiles[rel] = true
				remoteFiles[rel] = e
			}
		}
		if !hasMore {
			return remoteFiles, nil
		}
		entries, cursor, hasMore, err = svc.ListFolderContinue(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("list continue: %w", err)
		}
	}
}

// relativeTo lowercases p and strips the root prefix; ok is false for
// the root itself appearing in its own listing.
func relativeTo(root, p string) (string, bool) {
	lower := strings.ToLower(p)
	rootLower := strings.ToLower(root)
	if lower == rootLower {
		return "", false
	}
	if !strings.HasPrefix(lower, rootLower+"/") {
		return "", false
	}
	return lower[len(rootLower)+1:], true
}

func normalizeRemoteRoot(root string) string {
	root = strings.TrimSuffix(path.Clean("/"+strings.ReplaceAll(root, "\\", "/")), "/")
	return root
}

// checkPathLength rejects any path component longer than the remote
// accepts, so the failure happens before bytes move.
func checkPathLength(name string) error {
	for next := ""; len(name) > 0; name = next {
		if slash := strings.IndexRune(name, '/'); slash >= 0 {
			name, next = name[:slash], name[slash+1:]
		} else {
			next = ""
		}
		if utf8.RuneCountInString(name) > maxFileNameLength {
			return fserrors.NoRetryError(fmt.Errorf("path component %q longer than %d characters", name, maxFileNameLength))
		}
	}
	return nil
}
