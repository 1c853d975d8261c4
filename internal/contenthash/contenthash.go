// Package contenthash implements the cloud service's per-call content
// hash scheme Dropbox documents for upload verification: the
// payload is divided into 4 MiB blocks, each block's SHA-256 digest is
// concatenated, and the SHA-256 of that concatenation is the content
// hash, reported as lowercase hex.
//
// This is a transport checksum over one call's payload. It must never
// be confused with the resume chain hash in internal/chainhash, which
// is an equality witness over a prefix of the whole file.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// BlockSize is the size of the blocks the content hash is computed over.
const BlockSize = 4 * 1024 * 1024

// digest implements hash.Hash over the block-SHA-256 scheme.
type digest struct {
	blockHash hash.Hash
	blockFill int
	concat    []byte // concatenation of completed block digests
	summed    bool
	final     [32]byte
}

// New returns a fresh content-hash accumulator.
func New() hash.Hash {
	return &digest{blockHash: sha256.New()}
}

// Sum32 is a convenience wrapper returning the lowercase hex content
// hash of a single payload in one call.
func Sum32(p []byte) string {
	d := New()
	_, _ = d.Write(p)
	return hex.EncodeToString(d.Sum(nil))
}

func (d *digest) Write(p []byte) (int, error) {
	if d.summed {
		panic("contenthash: Write called after Sum")
	}
	total := len(p)
	for len(p) > 0 {
		n := BlockSize - d.blockFill
		if n > len(p) {
			n = len(p)
		}
		d.blockHash.Write(p[:n])
		d.blockFill += n
		p = p[n:]
		if d.blockFill == BlockSize {
			d.flushBlock()
		}
	}
	return total, nil
}

func (d *digest) flushBlock() {
	d.concat = append(d.concat, d.blockHash.Sum(nil)...)
	d.blockHash = sha256.New()
	d.blockFill = 0
}

// Sum finalizes and returns the content hash. It is idempotent: calling
// it more than once returns the same cached digest without
// recomputation. Write must not be called again afterwards.
func (d *digest) Sum(b []byte) []byte {
	if !d.summed {
		concat := d.concat
		if d.blockFill > 0 {
			concat = append(concat, d.blockHash.Sum(nil)...)
		}
		d.final = sha256.Sum256(concat)
		d.summed = true
	}
	return append(b, d.final[:]...)
}

func (d *digest) Reset() {
	d.blockHash = sha256.New()
	d.blockFill = 0
	d.concat = nil
	d.summed = false
}

func (d *digest) Size() int { return sha256.Size }

func (d *digest) BlockSize() int { return sha256.BlockSize }
