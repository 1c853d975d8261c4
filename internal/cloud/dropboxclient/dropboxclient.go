// Package dropboxclient implements cloud.Service against the Dropbox
// HTTP API via the dropbox-sdk-go-unofficial SDK, mapping each
// cloud.Service operation onto its files.Client call and classifying
// errors for the retry policy.
package dropboxclient

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/async"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/aqla/vaultsync/internal/cloud"
	"github.com/aqla/vaultsync/internal/fserrors"
	"github.com/aqla/vaultsync/internal/retry"
	"github.com/aqla/vaultsync/internal/vlog"
)

// callTimeout bounds every regular API call; a timeout surfaces as a
// transient failure and goes back through the retry policy, not as a
// terminal error.
const callTimeout = 5 * time.Minute

// completeJobPrefix marks a synthetic job handle for a delete batch
// the server completed synchronously, so callers always poll through
// the same DeleteBatchCheck path.
const completeJobPrefix = "complete:"

// Client is the Dropbox-backed cloud.Service.
type Client struct {
	srv files.Client
}

var _ cloud.Service = (*Client)(nil)

// New builds a Client from a static OAuth2 access token. Token refresh
// is out of scope; the caller supplies a token that stays valid for
// the run.
func New(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = callTimeout
	cfg := dropbox.Config{
		Client:   httpClient,
		LogLevel: dropbox.LogOff,
	}
	return &Client{srv: files.New(cfg)}
}

// NewWithHTTPClient builds a Client over a caller-supplied HTTP
// client, for tests that stub the transport.
func NewWithHTTPClient(httpClient *http.Client) *Client {
	cfg := dropbox.Config{Client: httpClient, LogLevel: dropbox.LogOff}
	return &Client{srv: files.New(cfg)}
}

// classify rewrites SDK and transport errors into the kinds the retry
// policy and driver understand. The string checks mirror the Dropbox
// error-summary tags.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if fserrors.ContextError(ctx, &err) {
		return err
	}
	errString := err.Error()
	switch {
	case strings.Contains(errString, "insufficient_space"):
		return fserrors.FatalError(err)
	case strings.Contains(errString, "invalid_access_token"),
		strings.Contains(errString, "expired_access_token"):
		return fserrors.FatalError(err)
	case strings.Contains(errString, "malformed_path"):
		return fserrors.NoRetryError(err)
	case strings.Contains(errString, "too_many_write_operations"),
		strings.Contains(errString, "too_many_requests"):
		return retry.ConnectionError(err)
	}
	if e, ok := err.(auth.RateLimitAPIError); ok {
		vlog.Logf("dropbox", "too many requests or write operations, trying again in %d seconds", e.RateLimitError.RetryAfter)
		return retry.ConnectionError(err)
	}
	return err
}

// sessionErr additionally maps session-specific API errors: an expired
// or unknown session becomes cloud.ErrSessionNotFound, an offset
// mismatch becomes cloud.IncorrectOffsetError so the driver can skip
// already-received bytes.
func sessionErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if uErr, ok := err.(files.UploadSessionAppendV2APIError); ok {
		if uErr.EndpointError != nil && uErr.EndpointError.IncorrectOffset != nil {
			return &cloud.IncorrectOffsetError{CorrectOffset: uErr.EndpointError.IncorrectOffset.CorrectOffset}
		}
	}
	if strings.Contains(err.Error(), "not_found") {
		return cloud.ErrSessionNotFound
	}
	return classify(ctx, err)
}

// SessionStart opens an upload session seeded with the first chunk.
// The per-call content hash is computed by the caller for the transfer
// log; the SDK's upload arguments predate the content_hash parameter,
// so it travels no further than the debug log here.
func (c *Client) SessionStart(ctx context.Context, chunk []byte, contentHash string) (string, error) {
	res, err := c.srv.UploadSessionStart(&files.UploadSessionStartArg{}, bytes.NewReader(chunk))
	if err != nil {
		return "", classify(ctx, err)
	}
	vlog.Debugf("dropbox", "session %s started with %d bytes, content hash %s", res.SessionId, len(chunk), contentHash)
	return res.SessionId, nil
}

// SessionAppend appends chunk at offset to an open session.
func (c *Client) SessionAppend(ctx context.Context, sessionID string, offset uint64, chunk []byte, contentHash string) error {
	arg := files.UploadSessionAppendArg{
		Cursor: &files.UploadSessionCursor{
			SessionId: sessionID,
			Offset:    offset,
		},
	}
	err := c.srv.UploadSessionAppendV2(&arg, bytes.NewReader(chunk))
	if err != nil {
		return sessionErr(ctx, err)
	}
	vlog.Debugf("dropbox", "session %s appended %d bytes at %d, content hash %s", sessionID, len(chunk), offset, contentHash)
	return nil
}

// SessionFinish commits the session with its final chunk.
func (c *Client) SessionFinish(ctx context.Context, sessionID string, offset uint64, commit cloud.CommitInfo, chunk []byte, contentHash string) error {
	arg := &files.UploadSessionFinishArg{
		Cursor: &files.UploadSessionCursor{
			SessionId: sessionID,
			Offset:    offset,
		},
		Commit: commitInfo(commit),
	}
	entry, err := c.srv.UploadSessionFinish(arg, bytes.NewReader(chunk))
	if err != nil {
		if e, ok := err.(files.UploadSessionFinishAPIError); ok {
			if e.EndpointError != nil && e.EndpointError.Path != nil && e.EndpointError.Path.Tag == files.WriteErrorInsufficientSpace {
				return fserrors.FatalError(err)
			}
		}
		return sessionErr(ctx, err)
	}
	vlog.Debugf("dropbox", "committed %s rev %s server content hash %s (final chunk hash %s)", commit.Path, entry.Rev, entry.ContentHash, contentHash)
	return nil
}

// SimpleUpload uploads a file that fits in a single call.
func (c *Client) SimpleUpload(ctx context.Context, commit cloud.CommitInfo, chunk []byte, contentHash string) error {
	arg := &files.UploadArg{CommitInfo: *commitInfo(commit)}
	entry, err := c.srv.Upload(arg, bytes.NewReader(chunk))
	if err != nil {
		return classify(ctx, err)
	}
	vlog.Debugf("dropbox", "uploaded %s rev %s server content hash %s (payload hash %s)", commit.Path, entry.Rev, entry.ContentHash, contentHash)
	return nil
}

// commitInfo converts the provider-neutral CommitInfo. The Dropbox API
// only accepts timestamps in UTC with second precision, and autorename
// stays off so a collision surfaces instead of silently renaming.
func commitInfo(commit cloud.CommitInfo) *files.CommitInfo {
	ci := files.NewCommitInfo(commit.Path)
	switch commit.Mode {
	case cloud.ModeOverwrite:
		ci.Mode.Tag = "overwrite"
	case cloud.ModeAdd:
		ci.Mode.Tag = "add"
	}
	ci.Autorename = false
	clientModified := commit.ClientModified.UTC().Round(time.Second)
	ci.ClientModified = &clientModified
	return ci
}

// ListFolder returns the first page of entries under path.
func (c *Client) ListFolder(ctx context.Context, path string, recursive bool, limit int, includeDeleted bool) ([]cloud.Entry, string, bool, error) {
	arg := files.ListFolderArg{
		Path:           path,
		Recursive:      recursive,
		IncludeDeleted: includeDeleted,
	}
	if path == "/" {
		arg.Path = "" // the root folder is addressed as the empty string
	}
	if limit > 0 {
		arg.Limit = uint32(limit)
	}
	res, err := c.srv.ListFolder(&arg)
	if err != nil {
		return nil, "", false, classify(ctx, err)
	}
	return mapEntries(res.Entries), res.Cursor, res.HasMore, nil
}

// ListFolderContinue returns the next page for cursor.
func (c *Client) ListFolderContinue(ctx context.Context, cursor string) ([]cloud.Entry, string, bool, error) {
	arg := files.ListFolderContinueArg{Cursor: cursor}
	res, err := c.srv.ListFolderContinue(&arg)
	if err != nil {
		return nil, "", false, classify(ctx, err)
	}
	return mapEntries(res.Entries), res.Cursor, res.HasMore, nil
}

func mapEntries(in []files.IsMetadata) []cloud.Entry {
	entries := make([]cloud.Entry, 0, len(in))
	for _, raw := range in {
		switch info := raw.(type) {
		case *files.FileMetadata:
			entries = append(entries, cloud.Entry{
				Path:           displayPath(&info.Metadata),
				ClientModified: info.ClientModified,
				Size:           int64(info.Size),
			})
		case *files.FolderMetadata:
			entries = append(entries, cloud.Entry{
				Path:  displayPath(&info.Metadata),
				IsDir: true,
			})
		case *files.DeletedMetadata:
			entries = append(entries, cloud.Entry{
				Path:      displayPath(&info.Metadata),
				IsDeleted: true,
			})
		default:
			vlog.Errorf("dropbox", "unknown metadata type %T in listing", raw)
		}
	}
	return entries
}

func displayPath(m *files.Metadata) string {
	if m.PathDisplay != "" {
		return m.PathDisplay
	}
	return m.PathLower
}

// CreateFolder creates path, treating already-exists as success.
func (c *Client) CreateFolder(ctx context.Context, path string) error {
	arg := files.CreateFolderArg{Path: path}
	_, err := c.srv.CreateFolderV2(&arg)
	if err != nil {
		if strings.Contains(err.Error(), "conflict") {
			return nil
		}
		return classify(ctx, err)
	}
	return nil
}

// DeleteBatch launches an asynchronous batch delete and returns a job
// handle for DeleteBatchCheck. A batch small enough for the server to
// complete synchronously gets a synthetic handle that reports done on
// the first poll.
func (c *Client) DeleteBatch(ctx context.Context, paths []string) (string, error) {
	arg := files.DeleteBatchArg{}
	for _, p := range paths {
		arg.Entries = append(arg.Entries, files.NewDeleteArg(p))
	}
	launch, err := c.srv.DeleteBatch(&arg)
	if err != nil {
		return "", classify(ctx, err)
	}
	if launch.AsyncJobId != "" {
		return launch.AsyncJobId, nil
	}
	jobID := completeJobPrefix + uuid.NewString()
	vlog.Debugf("dropbox", "delete batch of %d completed synchronously, handle %s", len(paths), jobID)
	return jobID, nil
}

// DeleteBatchCheck polls the status of a DeleteBatch job.
func (c *Client) DeleteBatchCheck(ctx context.Context, jobID string) (bool, error) {
	if strings.HasPrefix(jobID, completeJobPrefix) {
		return true, nil
	}
	status, err := c.srv.DeleteBatchCheck(&async.PollArg{AsyncJobId: jobID})
	if err != nil {
		return false, classify(ctx, err)
	}
	return status.Tag == "complete", nil
}

// ListRevisions returns up to limit revisions of path, carrying the
// server-deletion time the storage recycler's age window needs.
func (c *Client) ListRevisions(ctx context.Context, path string, limit int) ([]cloud.Revision, error) {
	arg := files.NewListRevisionsArg(path)
	if limit > 0 {
		arg.Limit = uint64(limit)
	}
	res, err := c.srv.ListRevisions(arg)
	if err != nil {
		return nil, classify(ctx, err)
	}
	revs := make([]cloud.Revision, 0, len(res.Entries))
	for _, e := range res.Entries {
		rev := cloud.Revision{
			Rev:            e.Rev,
			ClientModified: e.ClientModified,
			Size:           int64(e.Size),
		}
		if res.IsDeleted && res.ServerDeleted != nil {
			rev.ServerDeleted = *res.ServerDeleted
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// Restore restores path to revision rev.
func (c *Client) Restore(ctx context.Context, path string, rev string) error {
	arg := files.RestoreArg{Path: path, Rev: rev}
	_, err := c.srv.Restore(&arg)
	if err != nil {
		return classify(ctx, err)
	}
	return nil
}
