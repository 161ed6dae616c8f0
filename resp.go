package atsock

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Response collects the lines of a single command response.
//
// The buffer capacity is fixed at creation. Lines are stored without their
// CRLF terminator and blank lines are skipped. A Response can be reused by
// sequential Exec calls, each of them resets it.
type Response struct {
	// EndSign, if not zero, terminates a line in addition to CRLF. It is
	// used for commands that answer with a short prompt such as '>'.
	EndSign byte

	buf      []byte
	ends     []int
	maxLines int
	timeout  time.Duration
	done     chan error
}

// NewResponse returns a response that accepts up to size bytes of data
// (including one separator per line) and completes after lines lines. If
// lines is zero the response is completed by the OK/ERROR sentinel.
func NewResponse(size, lines int, timeout time.Duration) *Response {
	return &Response{
		buf:      make([]byte, 0, size),
		maxLines: lines,
		timeout:  timeout,
	}
}

// Timeout returns the response deadline relative to sending the command.
func (r *Response) Timeout() time.Duration { return r.timeout }

// Cap returns the buffer capacity in bytes.
func (r *Response) Cap() int { return cap(r.buf) }

func (r *Response) reset() {
	r.buf = r.buf[:0]
	r.ends = r.ends[:0]
	r.done = make(chan error, 1)
}

func (r *Response) append(line []byte) bool {
	if len(r.buf)+len(line)+1 > cap(r.buf) {
		return false
	}
	r.buf = append(r.buf, line...)
	r.ends = append(r.ends, len(r.buf))
	r.buf = append(r.buf, '\n')
	return true
}

// Len returns the number of received lines.
func (r *Response) Len() int { return len(r.ends) }

// Line returns the n-th line (counting from 1) or "" if n is out of range.
func (r *Response) Line(n int) string {
	if n < 1 || n > len(r.ends) {
		return ""
	}
	start := 0
	if n > 1 {
		start = r.ends[n-2] + 1
	}
	return string(r.buf[start:r.ends[n-1]])
}

// Lines returns all received lines.
func (r *Response) Lines() []string {
	lines := make([]string, len(r.ends))
	for i := range lines {
		lines[i] = r.Line(i + 1)
	}
	return lines
}

// String returns the response lines separated by '\n'.
func (r *Response) String() string {
	if len(r.buf) == 0 {
		return ""
	}
	return string(r.buf[:len(r.buf)-1])
}

// LineByKw returns the first line that starts with kw.
func (r *Response) LineByKw(kw string) (string, bool) {
	for i := 1; i <= len(r.ends); i++ {
		if line := r.Line(i); strings.HasPrefix(line, kw) {
			return line, true
		}
	}
	return "", false
}

// Fields finds the first line that starts with kw and splits the rest of it
// into n comma separated fields. The last field takes everything up to the
// end of the line. It returns ErrParse if there is no such line or it
// contains fewer than n fields. Extra fields end up in the last one.
func (r *Response) Fields(kw string, n int) ([]string, error) {
	line, ok := r.LineByKw(kw)
	if !ok {
		return nil, ErrParse
	}
	return splitFields(line[len(kw):], n)
}

func splitFields(s string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	fields := strings.SplitN(s, ",", n)
	if len(fields) < n {
		return nil, ErrParse
	}
	return fields, nil
}

// Scan works like Fields but stores the fields in dst which may contain
// values of type *string, *int, *uint, *bool or nil (skip the field). Unlike
// Fields, extra fields are ignored, a *string stores one field only unless
// it is the last of dst in which case it takes the rest of the line.
// Strings are unquoted if quoted, numbers are trimmed of spaces.
func (r *Response) Scan(kw string, dst ...any) error {
	line, ok := r.LineByKw(kw)
	if !ok {
		return ErrParse
	}
	return ScanFields(line[len(kw):], dst...)
}

// ScanFields is Response.Scan applied to s, the part of a line that follows
// its keyword.
func ScanFields(s string, dst ...any) error {
	if len(dst) == 0 {
		return nil
	}
	fields, err := splitFields(s, len(dst))
	if err != nil {
		return err
	}
	last := len(fields) - 1
	for i, d := range dst {
		f := fields[i]
		if i == last {
			if k := strings.IndexByte(f, ','); k >= 0 {
				if _, ok := d.(*string); !ok {
					f = f[:k] // extra fields are ignored
				}
			}
		}
		switch v := d.(type) {
		case nil:
		case *string:
			*v = unquote(f)
		case *int:
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return ErrParse
			}
			*v = n
		case *uint:
			n, err := strconv.ParseUint(strings.TrimSpace(f), 10, 0)
			if err != nil {
				return ErrParse
			}
			*v = uint(n)
		case *bool:
			switch strings.ToUpper(unquote(f)) {
			case "1", "ON", "TRUE":
				*v = true
			case "0", "OFF", "FALSE":
				*v = false
			default:
				return ErrParse
			}
		default:
			return ErrArgType
		}
	}
	return nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s
}

// HexFields decodes s as a sequence of n fixed width hexadecimal groups of
// width characters each (e.g. a MAC address "a0b1c2d3e4f5" with n=6,
// width=2). Colons and dashes between groups are allowed.
func HexFields(s string, n, width int) ([]byte, error) {
	s = strings.NewReplacer(":", "", "-", "").Replace(unquote(s))
	if len(s) < n*width || width%2 != 0 {
		return nil, ErrParse
	}
	b, err := hex.DecodeString(s[:n*width])
	if err != nil {
		return nil, ErrParse
	}
	return b, nil
}
