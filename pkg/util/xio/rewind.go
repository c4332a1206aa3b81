package xio

import (
	"bytes"
	"io"
)

// NewRewindReader returns a reader that records what it reads so the stream
// can be peeked at and re-read from the start.
func NewRewindReader(r io.Reader) *RewindReader {
	if r == nil {
		return nil
	}
	return &RewindReader{raw: r}
}

// RewindReader replays buffered bytes after Rewind before continuing with the
// underlying stream. Call Reader once peeking is done.
type RewindReader struct {
	raw    io.Reader
	buf    bytes.Buffer
	replay *bytes.Reader
}

func (rr *RewindReader) Read(p []byte) (int, error) {
	var n int
	if rr.replay != nil {
		n, _ = rr.replay.Read(p)
		if rr.replay.Len() == 0 {
			rr.replay = nil
		}
		if n == len(p) {
			return n, nil
		}
	}
	nr, err := rr.raw.Read(p[n:])
	if nr > 0 {
		rr.buf.Write(p[n : n+nr])
	}
	return n + nr, err
}

// Rewind restarts reading at the first buffered byte.
func (rr *RewindReader) Rewind() {
	rr.replay = bytes.NewReader(rr.buf.Bytes())
}

// Reader returns the full stream, buffered bytes first. Rewinding is no
// longer possible afterwards.
func (rr *RewindReader) Reader() io.Reader {
	if seeker, ok := rr.raw.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err == nil {
			return rr.raw
		}
	}
	return io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.raw)
}
