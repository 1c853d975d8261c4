// Package winzipaes writes a single-entry, store-only, AES-256 "WinZip
// AE-2" encrypted zip container, streaming ciphertext directly to an
// underlying io.Writer without ever materializing the archive in
// memory.
//
// The 16-byte salt is a direct parameter to CreateEntry rather than
// drawn from an internal randomness source: resuming an interrupted
// upload with the salt recorded in the SessionRecord reproduces
// byte-identical ciphertext for the same plaintext prefix, which is
// what makes the chain-hash resume check possible at all.
package winzipaes

import (
	"archive/zip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"hash"
	"io"
	"path"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// SaltSize is the AES-256 key-derivation salt length.
const SaltSize = 16

// macSize is the length of the truncated HMAC-SHA1 authentication code
// WinZip AE-2 appends after the ciphertext.
const macSize = 10

// pwVerifySize is the length of the password-verification value stored
// right after the salt.
const pwVerifySize = 2

// aeMethod is the zip "method" value WinZip readers recognize as
// "look at the 0x9901 extra field for the real (store/deflate) method".
const aeMethod = 99

// GenerateSalt returns a fresh cryptographically random 16-byte salt,
// used on uploads that are not resuming a prior session.
func GenerateSalt() ([16]byte, error) {
	var salt [16]byte
	_, err := rand.Read(salt[:])
	return salt, err
}

// Writer wraps a single-entry AES-256 zip container around dst.
type Writer struct {
	zw *zip.Writer
}

// NewWriter returns a Writer that streams its container to dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{zw: zip.NewWriter(dst)}
}

// Close finalizes the zip container (central directory etc). It does
// not close dst.
func (w *Writer) Close() error {
	return w.zw.Close()
}

// EntryWriter is the io.WriteCloser returned for the single archive
// entry: Write encrypts and authenticates plaintext as it arrives;
// Close appends the authentication code and finalizes the zip entry.
type EntryWriter struct {
	raw    io.Writer
	stream cipher.Stream
	mac    hash.Hash
	buf    []byte
}

// CreateEntry opens the archive's one entry for sourceName (its
// basename is used, prefixed with "/"), sized plainSize
// bytes, encrypted with password under salt. modTime is stored as the
// entry's modification time.
//
// plainSize must be known up front (it is — FileJob.TotalSize is
// computed from a local os.Stat before the pipeline starts) because the
// zip local file header for a raw entry carries its final sizes rather
// than a trailing data descriptor.
func (w *Writer) CreateEntry(sourceName string, plainSize int64, password string, salt [16]byte, modTime time.Time) (*EntryWriter, error) {
	key, macKey, pwVerify := deriveKeys(password, salt[:])

	fh := &zip.FileHeader{
		Name:               "/" + path.Base(filepathToSlash(sourceName)),
		Method:             aeMethod,
		Modified:           modTime,
		CRC32:              0, // AE-2: authenticity is via HMAC, not CRC
		UncompressedSize64: uint64(plainSize),
		CompressedSize64:   uint64(SaltSize) + pwVerifySize + uint64(plainSize) + macSize,
	}
	fh.Flags |= 0x800 // UTF-8 filename, set per-archive rather than via a global library flag
	fh.Extra = aeExtraField()

	raw, err := w.zw.CreateRaw(fh)
	if err != nil {
		return nil, err
	}
	if _, err := raw.Write(salt[:]); err != nil {
		return nil, err
	}
	if _, err := raw.Write(pwVerify); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// WinZip AES mode: CTR over the raw key, counter starting at 1,
	// little-endian within the 16-byte counter block.
	iv := make([]byte, aes.BlockSize)
	iv[0] = 1
	stream := cipher.NewCTR(block, iv)

	h := hmac.New(sha1.New, macKey)

	return &EntryWriter{raw: raw, stream: stream, mac: h, buf: make([]byte, 0, 32*1024)}, nil
}

// Write encrypts p and authenticates the ciphertext, writing it through
// to the archive immediately (bounded, no buffering of the whole file).
func (e *EntryWriter) Write(p []byte) (int, error) {
	if cap(e.buf) < len(p) {
		e.buf = make([]byte, len(p))
	}
	ct := e.buf[:len(p)]
	e.stream.XORKeyStream(ct, p)
	e.mac.Write(ct)
	if _, err := e.raw.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close appends the truncated HMAC-SHA1 authentication code and
// finalizes this entry. It does not close the underlying Writer's zip
// central directory — call Writer.Close for that.
func (e *EntryWriter) Close() error {
	code := e.mac.Sum(nil)[:macSize]
	_, err := e.raw.Write(code)
	return err
}

// deriveKeys runs the WinZip-AES PBKDF2 key derivation for AES-256:
// 1000 rounds of HMAC-SHA1 over (password, salt) producing the AES
// key, the HMAC-authentication key, and a 2-byte password-verification
// value, in that order.
func deriveKeys(password string, salt []byte) (aesKey, macKey, pwVerify []byte) {
	const (
		aesKeySize = 32 // AES-256
		macKeySize = 32
		iterations = 1000
	)
	dk := pbkdf2.Key([]byte(password), salt, iterations, aesKeySize+macKeySize+pwVerifySize, sha1.New)
	return dk[:aesKeySize], dk[aesKeySize : aesKeySize+macKeySize], dk[aesKeySize+macKeySize:]
}

// aeExtraField builds the 0x9901 "AES encryption extra data field"
// WinZip-compatible readers use to learn the real (store, here)
// compression method and AES strength, since the zip method field
// itself is pinned to 99.
func aeExtraField() []byte {
	b := make([]byte, 0, 11)
	b = append(b, 0x01, 0x99) // header id 0x9901, little-endian
	b = append(b, 0x07, 0x00) // data size = 7
	b = append(b, 0x02, 0x00) // version 2 (AE-2)
	b = append(b, 'A', 'E')   // vendor id
	b = append(b, 0x03)       // AES strength: 3 = 256-bit
	b = append(b, 0x00, 0x00) // actual compression method: 0 = store
	return b
}

func filepathToSlash(p string) string {
	out := make([]byte, len(p))
	copy(out, p)
	for i, c := range out {
		if c == '\\' {
			out[i] = '/'
		}
	}
	return string(out)
}
