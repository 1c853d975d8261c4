// Package filereader provides a double-buffered asynchronous file
// reader for the upload pipeline's source stage: while the caller
// encrypts and uploads one buffer, the next buffer is already being
// read from disk in the background, so disk latency overlaps with the
// CPU and network work instead of stalling it. A Queue on top
// pre-opens and primes the next queued file near EOF of the current
// one.
package filereader

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// DefaultBufSize is the read-buffer size used when none is given.
const DefaultBufSize = 90 * 1024 * 1024

// result is one completed background read, or the error it failed
// with.
type result struct {
	buf []byte
	eof bool
	err error
}

// Reader reads a local file asynchronously, one bufSize buffer ahead
// of the caller. It owns exactly two byte arenas: at any moment one
// holds the block the caller is consuming and the other is the target
// of the in-flight read; they swap after every Next.
type Reader struct {
	f       *os.File
	bufSize int
	arenas  [2][]byte
	idx     int
	pending chan result
	eg      *errgroup.Group
	done    bool
}

// Open opens path for reading and immediately starts filling its first
// read-ahead arena in the background, so the first disk read begins
// before the caller asks for any bytes.
func Open(path string, bufSize int) (*Reader, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	eg, _ := errgroup.WithContext(context.Background())
	r := &Reader{
		f:       f,
		bufSize: bufSize,
		pending: make(chan result, 1),
		eg:      eg,
	}
	r.dispatch()
	return r, nil
}

// dispatch starts one background read into the arena at r.idx and
// flips the index. Exactly one dispatch is ever in flight: Next only
// calls it again after draining the previous result, so the arena the
// caller still holds is never written behind its back.
func (r *Reader) dispatch() {
	if r.arenas[r.idx] == nil {
		r.arenas[r.idx] = make([]byte, r.bufSize)
	}
	buf := r.arenas[r.idx]
	r.idx = 1 - r.idx
	r.eg.Go(func() error {
		n, err := io.ReadFull(r.f, buf)
		switch {
		case err == nil:
			r.pending <- result{buf: buf}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			r.pending <- result{buf: buf[:n], eof: true}
		default:
			r.pending <- result{err: err}
		}
		return nil
	})
}

// Next blocks until the next read-ahead arena is ready (almost always
// already done, since the read started while the caller was busy with
// the previous one), then kicks off the following read into the other
// arena before returning. The returned slice stays valid until the
// next call. eof is true once buf is the file's final (possibly
// empty) block; after that, Next returns io.EOF.
func (r *Reader) Next(ctx context.Context) (buf []byte, eof bool, err error) {
	if r.done {
		return nil, false, io.EOF
	}
	select {
	case res := <-r.pending:
		if res.err != nil {
			r.done = true
			return nil, false, res.err
		}
		if res.eof {
			r.done = true
		} else {
			r.dispatch()
		}
		return res.buf, res.eof, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Close releases the underlying file, then waits for any in-flight
// background read to return before it returns.
func (r *Reader) Close() error {
	closeErr := r.f.Close()
	_ = r.eg.Wait()
	return closeErr
}

// opened is a background open-and-prime result, delivered to OpenNext.
type opened struct {
	r   *Reader
	err error
}

// Queue sequences Readers over a list of files, pre-opening and
// priming the next file in the background when told the current one
// has hit EOF.
type Queue struct {
	bufSize  int
	nextPath string
	pre      chan opened
	prePath  string
}

// NewQueue returns a Queue whose Readers use bufSize arenas.
func NewQueue(bufSize int) *Queue {
	return &Queue{bufSize: bufSize}
}

// EnqueueNext sets the next-file hint. Idempotent until OpenNext
// consumes it; a later call simply replaces the hint.
func (q *Queue) EnqueueNext(path string) {
	q.nextPath = path
}

// PrefetchNext launches a background task that opens the hinted next
// file and primes its first read. Called by the pipeline at the EOF
// transition of the current file. A failure during pre-opening is
// deferred to the OpenNext call for that file, so it never contaminates
// the current upload's error stream. No-op without a hint or when a
// prefetch for the same path is already in flight.
func (q *Queue) PrefetchNext() {
	if q.nextPath == "" || q.prePath == q.nextPath {
		return
	}
	path := q.nextPath
	ch := make(chan opened, 1)
	q.pre = ch
	q.prePath = path
	go func() {
		r, err := Open(path, q.bufSize)
		ch <- opened{r: r, err: err}
	}()
}

// OpenNext consumes the next-file hint and returns a primed Reader for
// it, using the prefetched handle when one was prepared for the same
// path and opening synchronously otherwise.
func (q *Queue) OpenNext() (*Reader, error) {
	path := q.nextPath
	if path == "" {
		return nil, errors.New("filereader: no next file enqueued")
	}
	q.nextPath = ""
	if q.pre != nil && q.prePath == path {
		res := <-q.pre
		q.pre = nil
		q.prePath = ""
		return res.r, res.err
	}
	// A prefetch for a stale hint must not leak its file handle.
	if q.pre != nil {
		res := <-q.pre
		if res.r != nil {
			_ = res.r.Close()
		}
		q.pre = nil
		q.prePath = ""
	}
	return Open(path, q.bufSize)
}
