package driver_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aqla/vaultsync/internal/cloud"
	"github.com/aqla/vaultsync/internal/driver"
	"github.com/aqla/vaultsync/internal/fserrors"
	"github.com/aqla/vaultsync/internal/model"
	"github.com/aqla/vaultsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// call records one cloud-service invocation for assertion.
type call struct {
	op     string // "start", "append", "finish", "simple"
	offset uint64
	bytes  []byte
	hash   string
}

// fakeCloud is an in-memory cloud.Service covering the upload
// operations the driver uses; the listing/deletion methods are stubs.
type fakeCloud struct {
	calls     []call
	nextID    int
	appendErr func(offset uint64) error // optional per-append fault injection
	finishErr error
}

func (f *fakeCloud) SessionStart(ctx context.Context, chunk []byte, contentHash string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	f.calls = append(f.calls, call{op: "start", bytes: append([]byte(nil), chunk...), hash: contentHash})
	return id, nil
}

func (f *fakeCloud) SessionAppend(ctx context.Context, sessionID string, offset uint64, chunk []byte, contentHash string) error {
	if f.appendErr != nil {
		if err := f.appendErr(offset); err != nil {
			return err
		}
	}
	f.calls = append(f.calls, call{op: "append", offset: offset, bytes: append([]byte(nil), chunk...), hash: contentHash})
	return nil
}

func (f *fakeCloud) SessionFinish(ctx context.Context, sessionID string, offset uint64, commit cloud.CommitInfo, chunk []byte, contentHash string) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	f.calls = append(f.calls, call{op: "finish", offset: offset, bytes: append([]byte(nil), chunk...), hash: contentHash})
	return nil
}

func (f *fakeCloud) SimpleUpload(ctx context.Context, commit cloud.CommitInfo, chunk []byte, contentHash string) error {
	f.calls = append(f.calls, call{op: "simple", bytes: append([]byte(nil), chunk...), hash: contentHash})
	return nil
}

func (f *fakeCloud) ListFolder(ctx context.Context, path string, recursive bool, limit int, includeDeleted bool) ([]cloud.Entry, string, bool, error) {
	return nil, "", false, nil
}
func (f *fakeCloud) ListFolderContinue(ctx context.Context, cursor string) ([]cloud.Entry, string, bool, error) {
	return nil, "", false, nil
}
func (f *fakeCloud) CreateFolder(ctx context.Context, path string) error { return nil }
func (f *fakeCloud) DeleteBatch(ctx context.Context, paths []string) (string, error) {
	return "", nil
}
func (f *fakeCloud) DeleteBatchCheck(ctx context.Context, jobID string) (bool, error) {
	return true, nil
}
func (f *fakeCloud) ListRevisions(ctx context.Context, path string, limit int) ([]cloud.Revision, error) {
	return nil, nil
}
func (f *fakeCloud) Restore(ctx context.Context, path string, rev string) error { return nil }

// memStore is an in-memory driver.SessionStore.
type memStore struct {
	rec *model.SessionRecord
}

func (s *memStore) Load() (*model.SessionRecord, error) {
	if s.rec == nil {
		return nil, nil
	}
	cp := *s.rec
	return &cp, nil
}
func (s *memStore) Save(rec *model.SessionRecord) error {
	cp := *rec
	s.rec = &cp
	return nil
}
func (s *memStore) Delete() error {
	s.rec = nil
	return nil
}

func job(path string, size int64) model.FileJob {
	return model.FileJob{
		SourcePath:     path,
		RemotePath:     "/remote/" + path,
		TotalSize:      size,
		ClientModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func commit(j model.FileJob) cloud.CommitInfo {
	return cloud.CommitInfo{Path: j.RemotePath, Mode: cloud.ModeOverwrite, ClientModified: j.ClientModified}
}

func chainHex(chunks ...[]byte) string {
	state := make([]byte, 32)
	for _, c := range chunks {
		h := sha256.New()
		h.Write(state)
		h.Write(c)
		state = h.Sum(nil)
	}
	return hex.EncodeToString(state)
}

func newDriver(c *fakeCloud, s *memStore) *driver.Driver {
	return driver.New(c, s, &retry.Policy{MaxAttempts: 10, Sleep: func(time.Duration) {}})
}

func mkBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestFreshSingleChunkUsesSimpleUpload(t *testing.T) {
	c := &fakeCloud{}
	s := &memStore{}
	d := newDriver(c, s)
	j := job("/local/a.bin", 100)
	data := mkBytes(100, 1)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.Finish(context.Background(), commit(j), data))

	require.Len(t, c.calls, 1)
	assert.Equal(t, "simple", c.calls[0].op)
	assert.Equal(t, data, c.calls[0].bytes)
	assert.NotEmpty(t, c.calls[0].hash)
	assert.Nil(t, s.rec, "no SessionRecord may be left behind")
}

func TestFreshThreeChunkUpload(t *testing.T) {
	c := &fakeCloud{}
	s := &memStore{}
	d := newDriver(c, s)
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))
	require.NotNil(t, s.rec, "SessionRecord saved after first chunk")
	assert.Equal(t, int64(100), s.rec.CurrentOffset)
	assert.Equal(t, chainHex(data[0:100]), s.rec.ContentHash)

	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], nil))
	assert.Equal(t, int64(200), s.rec.CurrentOffset)

	require.NoError(t, d.Finish(context.Background(), commit(j), data[200:300]))

	require.Len(t, c.calls, 3)
	assert.Equal(t, "start", c.calls[0].op)
	assert.Equal(t, data[0:100], c.calls[0].bytes)
	assert.Equal(t, "append", c.calls[1].op)
	assert.Equal(t, uint64(100), c.calls[1].offset)
	assert.Equal(t, data[100:200], c.calls[1].bytes)
	assert.Equal(t, "finish", c.calls[2].op)
	assert.Equal(t, uint64(200), c.calls[2].offset)
	assert.Equal(t, data[200:300], c.calls[2].bytes)
	assert.Nil(t, s.rec)
}

func TestResumeAlignedSkipsVerifiedPrefix(t *testing.T) {
	c := &fakeCloud{}
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      j.TotalSize,
		CurrentOffset:  100,
		ContentHash:    chainHex(data[0:100]),
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	assert.Equal(t, int64(100), d.ResumeOffset())

	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))
	assert.Empty(t, c.calls, "first chunk is skipped, not re-sent")

	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], nil))
	require.Len(t, c.calls, 1)
	assert.Equal(t, "append", c.calls[0].op)
	assert.Equal(t, uint64(100), c.calls[0].offset, "no new session is started")

	require.NoError(t, d.Finish(context.Background(), commit(j), data[200:300]))
	assert.Nil(t, s.rec)
}

func TestResumeMisalignedBoundariesFailsVerification(t *testing.T) {
	c := &fakeCloud{}
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      j.TotalSize,
		CurrentOffset:  150,
		ContentHash:    chainHex(data[0:150]),
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))

	err := d.UploadChunk(context.Background(), data[100:200], nil)
	require.Error(t, err)
	assert.True(t, fserrors.IsResumeFailed(err))
	assert.Nil(t, s.rec, "record deleted on hash mismatch")
	assert.Empty(t, c.calls, "nothing was sent")
}

func TestResumeVerificationIsCaseInsensitive(t *testing.T) {
	c := &fakeCloud{}
	j := job("/local/a.bin", 200)
	data := mkBytes(200, 1)
	upper := chainHex(data[0:100])
	for i := 0; i < len(upper); i++ {
		if upper[i] >= 'a' && upper[i] <= 'f' {
			upper = upper[:i] + string(upper[i]-'a'+'A') + upper[i+1:]
		}
	}
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      j.TotalSize,
		CurrentOffset:  100,
		ContentHash:    upper,
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))
	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], nil))
	require.Len(t, c.calls, 1)
	assert.Equal(t, "append", c.calls[0].op)
}

func TestExpiredServerSessionOnResume(t *testing.T) {
	c := &fakeCloud{appendErr: func(offset uint64) error {
		return fmt.Errorf("append: %w", cloud.ErrSessionNotFound)
	}}
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      j.TotalSize,
		CurrentOffset:  100,
		ContentHash:    chainHex(data[0:100]),
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))

	err := d.UploadChunk(context.Background(), data[100:200], nil)
	require.Error(t, err)
	assert.True(t, fserrors.IsResumeFailed(err))
	assert.Nil(t, s.rec, "record deleted on session-not-found")
}

func TestMismatchedRecordIsDeletedAndUploadIsFresh(t *testing.T) {
	c := &fakeCloud{}
	j := job("/local/a.bin", 300)
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      999, // size changed since the record was written
		CurrentOffset:  100,
		ContentHash:    chainHex([]byte("whatever")),
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	assert.Nil(t, s.rec, "stale record deleted by Prepare")
	assert.Equal(t, int64(0), d.ResumeOffset())
}

func TestPrepareIsIdempotent(t *testing.T) {
	c := &fakeCloud{}
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      j.TotalSize,
		CurrentOffset:  100,
		ContentHash:    chainHex(data[0:100]),
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	first := d.ResumeOffset()
	require.NoError(t, d.Prepare(context.Background(), j))
	assert.Equal(t, first, d.ResumeOffset())
	assert.Equal(t, []byte(nil), d.LoadedSalt())
}

func TestSaltIsPersistedAndCarriedAcrossChunks(t *testing.T) {
	c := &fakeCloud{}
	s := &memStore{}
	d := newDriver(c, s)
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)
	salt := mkBytes(16, 7)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], salt))
	require.NotNil(t, s.rec)
	assert.Equal(t, salt, s.rec.EncryptionSalt)

	// Later chunks pass the same salt; every saved record keeps carrying it.
	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], salt))
	assert.Equal(t, salt, s.rec.EncryptionSalt)
}

func TestOrdinaryAppendFailureKeepsRecord(t *testing.T) {
	boom := errors.New("permanent 4xx")
	c := &fakeCloud{}
	s := &memStore{}
	d := newDriver(c, s)
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))
	require.NotNil(t, s.rec)

	c.appendErr = func(offset uint64) error { return boom }
	err := d.UploadChunk(context.Background(), data[100:200], nil)
	require.ErrorIs(t, err, boom)
	assert.NotNil(t, s.rec, "record kept for a future retry")
}

func TestFinishFailureKeepsRecord(t *testing.T) {
	boom := errors.New("quota exhausted")
	c := &fakeCloud{}
	s := &memStore{}
	d := newDriver(c, s)
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))
	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], nil))

	c.finishErr = boom
	err := d.Finish(context.Background(), commit(j), data[200:300])
	require.ErrorIs(t, err, boom)
	assert.NotNil(t, s.rec)
}

func TestResumeInsideFinalChunkFailsVerification(t *testing.T) {
	c := &fakeCloud{}
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)
	// The resume offset lands inside the file's one and only chunk,
	// which is held back for Finish: the verify gate must still run
	// there and reject the misaligned hash.
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      j.TotalSize,
		CurrentOffset:  150,
		ContentHash:    chainHex(data[0:150]),
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	err := d.Finish(context.Background(), commit(j), data)
	require.Error(t, err)
	assert.True(t, fserrors.IsResumeFailed(err))
	assert.Nil(t, s.rec, "record deleted on hash mismatch")
	assert.Empty(t, c.calls, "nothing was committed")
}

func TestResumeCoveringFinalChunkCommitsWithoutResending(t *testing.T) {
	c := &fakeCloud{}
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)
	// A previous run already appended every byte but crashed before
	// the commit: the resumed run verifies, sends nothing new, and
	// finishes the session with an empty payload.
	s := &memStore{rec: &model.SessionRecord{
		SessionID:      "sess-old",
		FilePath:       j.SourcePath,
		ClientModified: j.ClientModified,
		TotalSize:      j.TotalSize,
		CurrentOffset:  300,
		ContentHash:    chainHex(data[0:100], data[100:200], data[200:300]),
	}}
	d := newDriver(c, s)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))
	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], nil))
	require.NoError(t, d.Finish(context.Background(), commit(j), data[200:300]))

	require.Len(t, c.calls, 1)
	assert.Equal(t, "finish", c.calls[0].op)
	assert.Equal(t, uint64(300), c.calls[0].offset)
	assert.Empty(t, c.calls[0].bytes, "already-held bytes are not re-sent")
	assert.Nil(t, s.rec)
}

func TestIncorrectOffsetWholeChunkAlreadyHeld(t *testing.T) {
	c := &fakeCloud{}
	s := &memStore{}
	d := newDriver(c, s)
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))

	// The server reports it already holds bytes through 200: the
	// append that "failed" actually landed.
	c.appendErr = func(offset uint64) error {
		return &cloud.IncorrectOffsetError{CorrectOffset: 200}
	}
	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], nil))
	assert.Equal(t, int64(200), s.rec.CurrentOffset)
}

func TestIncorrectOffsetPartialResendsTail(t *testing.T) {
	c := &fakeCloud{}
	s := &memStore{}
	d := newDriver(c, s)
	j := job("/local/a.bin", 300)
	data := mkBytes(300, 1)

	require.NoError(t, d.Prepare(context.Background(), j))
	require.NoError(t, d.UploadChunk(context.Background(), data[0:100], nil))

	// First attempt at offset 100 is rejected: the server already has
	// bytes through 160. The retry must send only the tail.
	rejected := false
	c.appendErr = func(offset uint64) error {
		if offset == 100 && !rejected {
			rejected = true
			return &cloud.IncorrectOffsetError{CorrectOffset: 160}
		}
		return nil
	}
	require.NoError(t, d.UploadChunk(context.Background(), data[100:200], nil))

	last := c.calls[len(c.calls)-1]
	assert.Equal(t, "append", last.op)
	assert.Equal(t, uint64(160), last.offset)
	assert.Equal(t, data[160:200], last.bytes)
	assert.Equal(t, int64(200), s.rec.CurrentOffset)
}
