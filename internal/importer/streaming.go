package importer

// streaming.go holds the readers an uploaded file passes through. They
// operate on bounded buffers, so memory use does not grow with file size:
//
//   - bomReader drops a leading UTF-8 byte order mark (Excel on Windows)
//   - utf8Sanitizer replaces invalid UTF-8 with U+FFFD
//   - limitReader fails with ErrFileTooLarge past a byte limit
//
// Use wrapForStreaming on every pass that parses CSV.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// sanitizeChunk is how much is read from the source per fill.
const sanitizeChunk = 32 * 1024

// wrapForStreaming strips the BOM first so the sanitizer never sees it.
func wrapForStreaming(r io.Reader) io.Reader {
	return newUTF8Sanitizer(newBOMReader(r))
}

type bomReader struct {
	br      *bufio.Reader
	checked bool
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{br: bufio.NewReader(r)}
}

func (r *bomReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		head, err := r.br.Peek(len(utf8BOM))
		if bytes.Equal(head, utf8BOM) {
			_, _ = r.br.Discard(len(utf8BOM))
		} else if err != nil && err != io.EOF {
			return 0, err
		}
	}
	return r.br.Read(p)
}

// utf8Sanitizer holds back a trailing partial sequence until the next fill
// so a multi-byte rune split across reads is not mistaken for garbage.
type utf8Sanitizer struct {
	src   io.Reader
	chunk []byte
	raw   []byte // undecoded tail carried between fills
	out   []byte // sanitized bytes not yet returned
	err   error  // sticky source error, returned once out drains
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{src: r, chunk: make([]byte, sanitizeChunk)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.fill()
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *utf8Sanitizer) fill() {
	n, err := s.src.Read(s.chunk)
	s.raw = append(s.raw, s.chunk[:n]...)
	if err != nil {
		s.err = err
	}
	final := s.err != nil

	s.out = s.out[:0]
	i := 0
	for i < len(s.raw) {
		b := s.raw[i]
		if b < utf8.RuneSelf {
			s.out = append(s.out, b)
			i++
			continue
		}
		if !final && !utf8.FullRune(s.raw[i:]) {
			break
		}
		r, size := utf8.DecodeRune(s.raw[i:])
		if r == utf8.RuneError && size == 1 {
			s.out = utf8.AppendRune(s.out, utf8.RuneError)
		} else {
			s.out = append(s.out, s.raw[i:i+size]...)
		}
		i += size
	}
	s.raw = append(s.raw[:0], s.raw[i:]...)
}

// limitReader is io.LimitReader that reports overflow instead of a silent EOF.
type limitReader struct {
	r    io.Reader
	left int64
}

func newLimitReader(r io.Reader, max int64) *limitReader {
	return &limitReader{r: r, left: max}
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.left < 0 {
		return 0, ErrFileTooLarge
	}
	// Read one byte past the limit to tell "exactly max" from "more".
	if int64(len(p)) > l.left+1 {
		p = p[:l.left+1]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	if l.left < 0 {
		return n - int(-l.left), ErrFileTooLarge
	}
	return n, err
}
