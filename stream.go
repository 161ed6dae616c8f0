package atsock

import (
	"io"
	"sync/atomic"
	"time"
)

// stream turns an io.Reader into a byte source with timeouts. A pump
// goroutine performs the blocking reads, everything else runs on the
// receiver goroutine.
type stream struct {
	in      chan []byte
	done    <-chan struct{}
	pend    []byte
	err     error // valid after in is closed
	endSign atomic.Int32
	line    []byte
	maxLine int
}

func newStream(r io.Reader, maxLine int, done <-chan struct{}) *stream {
	s := &stream{
		in:      make(chan []byte, 4),
		done:    done,
		line:    make([]byte, 0, maxLine),
		maxLine: maxLine,
	}
	go s.pump(r)
	return s
}

func (s *stream) pump(r io.Reader) {
	for {
		buf := make([]byte, 128)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case s.in <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.err = err
			close(s.in)
			return
		}
	}
}

func (s *stream) setEndSign(c byte) {
	s.endSign.Store(int32(c))
}

func (s *stream) fill(tmo <-chan time.Time) error {
	select {
	case b, ok := <-s.in:
		if !ok {
			return transportErr(s.err)
		}
		s.pend = b
		return nil
	case <-tmo:
		return ErrTimeout
	case <-s.done:
		return ErrClosed
	}
}

// readLine returns the next line including its terminator. The line ends
// with CRLF, with the end sign byte (if set) or as soon as match reports
// a URC rule for the bytes read so far. The returned slice is valid until
// the next call.
func (s *stream) readLine(match func([]byte) *URC) (line []byte, urc *URC, err error) {
	s.line = s.line[:0]
	for {
		if len(s.pend) == 0 {
			if err = s.fill(nil); err != nil {
				return s.line, nil, err
			}
		}
		c := s.pend[0]
		s.pend = s.pend[1:]
		if len(s.line) == s.maxLine {
			// Overlong line: drop it and resynchronise at the next CRLF.
			if c == '\n' && s.line[len(s.line)-1] == '\r' {
				s.line = s.line[:0]
				return nil, nil, ErrBufferFull
			}
			s.line[len(s.line)-1] = c
			continue
		}
		s.line = append(s.line, c)
		if urc = match(s.line); urc != nil {
			return s.line, urc, nil
		}
		n := len(s.line)
		if c == '\n' && n >= 2 && s.line[n-2] == '\r' {
			return s.line, nil, nil
		}
		if es := s.endSign.Load(); es != 0 && c == byte(es) {
			return s.line, nil, nil
		}
	}
}

// readFull reads exactly len(p) raw bytes.
func (s *stream) readFull(p []byte, timeout time.Duration) (int, error) {
	tim := time.NewTimer(timeout)
	defer tim.Stop()
	n := 0
	for n < len(p) {
		if len(s.pend) == 0 {
			if err := s.fill(tim.C); err != nil {
				return n, err
			}
		}
		k := copy(p[n:], s.pend)
		s.pend = s.pend[k:]
		n += k
	}
	return n, nil
}

// discard skips n raw bytes.
func (s *stream) discard(n int, timeout time.Duration) (int, error) {
	tim := time.NewTimer(timeout)
	defer tim.Stop()
	m := 0
	for m < n {
		if len(s.pend) == 0 {
			if err := s.fill(tim.C); err != nil {
				return m, err
			}
		}
		k := min(n-m, len(s.pend))
		s.pend = s.pend[k:]
		m += k
	}
	return m, nil
}
