package backend

import (
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"io"
)

// Volume hashes are base64 encoded SHA-256 digests of the remote content.

type hashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: sha256.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	hw.n += int64(n)
	return n, err
}

func (hw *hashingWriter) sum() string {
	return base64.StdEncoding.EncodeToString(hw.h.Sum(nil))
}

type hashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.h.Write(p[:n])
	hr.n += int64(n)
	return n, err
}

func (hr *hashingReader) sum() string {
	return base64.StdEncoding.EncodeToString(hr.h.Sum(nil))
}

// ComputeHash returns the volume hash and size of everything read from r.
func ComputeHash(r io.Reader) (string, int64, error) {
	hr := newHashingReader(r)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return "", 0, err
	}
	return hr.sum(), hr.n, nil
}
