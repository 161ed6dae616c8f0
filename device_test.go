package atsock

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embeddedgo/atsock/internal/attest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type testClass struct {
	urcs []URC
}

func (c *testClass) Name() string { return "test" }
func (c *testClass) URCs() []URC  { return c.urcs }

func newTestDevice(t *testing.T, class Class, opts ...Option) (*Device, *attest.Module) {
	t.Helper()
	m := attest.New()
	d, err := NewDevice("dev0", m.Reader(), m.Writer(), class, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		m.Close()
	})
	return d, m
}

func TestExec(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.On("AT+GMR", func(m *attest.Module, _ string) {
		m.Reply("", "AT version:2.2.0", "SDK version:v4.0", "", "OK")
	})

	r := NewResponse(128, 0, time.Second)
	require.NoError(t, d.Exec(r, "+GMR"))
	assert.Equal(t, []string{"AT version:2.2.0", "SDK version:v4.0", "OK"}, r.Lines())

	require.NoError(t, d.Exec(nil, "+RST"))
	assert.Equal(t, []string{"AT+GMR", "AT+RST"}, m.Commands())
}

func TestExecFailure(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.On("AT+CWJAP", func(m *attest.Module, _ string) { m.Reply("+CWJAP:1", "FAIL") })
	m.On("AT+CME", func(m *attest.Module, _ string) { m.Reply("+CME ERROR: 10") })
	m.On("AT+ERR", func(m *attest.Module, _ string) { m.Reply("ERROR") })

	for _, cmd := range []string{"+CWJAP=", "+CME", "+ERR"} {
		r := NewResponse(128, 0, time.Second)
		err := d.Exec(r, cmd)
		require.Error(t, err, cmd)
		assert.ErrorIs(t, err, ErrProtocol, cmd)
		var eat *ErrorAT
		require.ErrorAs(t, err, &eat, cmd)
		assert.Equal(t, r.Line(r.Len()), eat.Line, cmd)
	}
}

func TestExecTimeout(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.On("AT+SLOW", func(*attest.Module, string) {})

	r := NewResponse(128, 0, 50*time.Millisecond)
	err := d.Exec(r, "+SLOW")
	assert.ErrorIs(t, err, ErrTimeout)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.Timeout())

	// The command lock is released.
	assert.NoError(t, d.Exec(nil, ""))
}

func TestExecTimeoutWhileStreaming(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.On("AT+SLOW", func(m *attest.Module, _ string) {
		for i := 0; i < 400; i++ {
			m.Send(fmt.Sprintf("+SLOW:%04d\r\n", i))
		}
	})

	r := NewResponse(32*1024, 0, time.Millisecond)
	err := d.Exec(r, "+SLOW")
	assert.ErrorIs(t, err, ErrTimeout)

	// r is no longer written once Exec returns.
	n := r.Len()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, r.Len())
	for _, l := range r.Lines() {
		assert.Regexp(t, `^\+SLOW:\d{4}$`, l)
	}
}

func TestExecLine(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	assert.ErrorIs(t, d.ExecLine(nil, "\r\n"), ErrInvalidArg)

	r := NewResponse(64, 0, time.Second)
	require.NoError(t, d.ExecLine(r, "AT+CIFSR\r\n"))
	assert.Equal(t, []string{"AT+CIFSR"}, m.Commands())
	assert.Equal(t, "OK", r.Line(1))
}

func TestRunLineCountAndEndSign(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.On("AT+CIPSEND", func(m *attest.Module, _ string) {
		m.Reply("", "OK")
		m.Send(">")
	})
	r, err := d.Run(Command{Name: "+CIPSEND=", Args: []any{0, 5}, Lines: 2, EndSign: '>'})
	require.NoError(t, err)
	assert.Equal(t, []string{"OK", ">"}, r.Lines())

	// The end sign is reset after the command.
	m.On("AT+X", func(m *attest.Module, _ string) { m.Reply("a>b", "OK") })
	r, err = d.Run(Command{Name: "+X"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>b", "OK"}, r.Lines())
}

func TestResponseBufferFull(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.On("AT+CWLAP", func(m *attest.Module, _ string) {
		m.Reply("+CWLAP:(3,\"net1\",-50)", "+CWLAP:(3,\"net2\",-60)", "OK")
	})
	r := NewResponse(16, 0, time.Second)
	err := d.Exec(r, "+CWLAP")
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// The rest of the response goes to the async channel.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Exec(nil, ""))
}

func TestURCNeverInResponse(t *testing.T) {
	var sendOK, okay atomic.Int32
	class := &testClass{urcs: []URC{
		{Prefix: "SEND OK", Suffix: "\r\n", Handler: URCFunc(func(*Device, []byte) { sendOK.Add(1) })},
		{Prefix: "OKAY", Suffix: "\r\n", Handler: URCFunc(func(*Device, []byte) { okay.Add(1) })},
	}}
	d, m := newTestDevice(t, class)
	m.On("AT+Q", func(m *attest.Module, _ string) {
		m.Reply("+Q:1", "SEND OK", "OKAY", "+Q:2", "OK")
	})
	r := NewResponse(128, 0, time.Second)
	require.NoError(t, d.Exec(r, "+Q"))
	assert.Equal(t, []string{"+Q:1", "+Q:2", "OK"}, r.Lines())
	assert.EqualValues(t, 1, sendOK.Load())
	assert.EqualValues(t, 1, okay.Load())
}

func TestInterleavedURCs(t *testing.T) {
	var urcs atomic.Int32
	class := &testClass{urcs: []URC{
		{Prefix: "+WEVENT:", Suffix: "\r\n", Handler: URCFunc(func(*Device, []byte) { urcs.Add(1) })},
	}}
	d, m := newTestDevice(t, class)
	m.On("AT+N=", func(m *attest.Module, cmd string) {
		n := cmd[len("AT+N="):]
		m.Send("+WEVENT:STATION_UP\r\n+N:" + n + "\r\n+WEV")
		m.Send("ENT:STATION_DOWN\r\nOK\r\n")
	})
	const n = 20
	r := NewResponse(64, 0, time.Second)
	for i := 0; i < n; i++ {
		require.NoError(t, d.Exec(r, "+N=", i))
		assert.Equal(t, []string{fmt.Sprintf("+N:%d", i), "OK"}, r.Lines())
	}
	assert.EqualValues(t, 2*n, urcs.Load())
}

// FuzzInterleavedURCs splits a response with embedded URCs at arbitrary
// byte offsets and checks that the response contains only its own lines.
func FuzzInterleavedURCs(f *testing.F) {
	const out = "+WEVENT:STATION_UP\r\n+N:7\r\n1,CLOSED\r\n+N:8,\"a,b\"\r\n+WEVENT:STATION_DOWN\r\nOK\r\n"
	f.Add(uint16(0), uint16(0), uint16(0))
	f.Add(uint16(3), uint16(24), uint16(40))
	f.Add(uint16(20), uint16(21), uint16(22))
	f.Add(uint16(50), uint16(64), uint16(77))
	f.Fuzz(func(t *testing.T, a, b, c uint16) {
		var wevents, closes atomic.Int32
		class := &testClass{urcs: []URC{
			{Prefix: "+WEVENT:", Suffix: "\r\n", Handler: URCFunc(func(*Device, []byte) { wevents.Add(1) })},
			{Suffix: ",CLOSED\r\n", Handler: URCFunc(func(*Device, []byte) { closes.Add(1) })},
		}}
		d, m := newTestDevice(t, class)

		cuts := []int{int(a) % (len(out) + 1), int(b) % (len(out) + 1), int(c) % (len(out) + 1)}
		sort.Ints(cuts)
		m.On("AT+N", func(m *attest.Module, _ string) {
			prev := 0
			for _, k := range cuts {
				if k > prev {
					m.Send(out[prev:k])
					prev = k
				}
			}
			if prev < len(out) {
				m.Send(out[prev:])
			}
		})

		r := NewResponse(128, 0, time.Second)
		require.NoError(t, d.Exec(r, "+N"))
		assert.Equal(t, []string{"+N:7", `+N:8,"a,b"`, "OK"}, r.Lines())
		assert.EqualValues(t, 2, wevents.Load())
		assert.EqualValues(t, 1, closes.Load())
	})
}

func TestAsync(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.Send("\r\nready\r\n")
	select {
	case msg := <-d.Async():
		assert.Equal(t, "ready", msg)
	case <-time.After(time.Second):
		t.Fatal("no async message")
	}
}

func TestWriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	w := NewMockWriter(ctrl)
	boom := errors.New("uart gone")
	w.EXPECT().Write([]byte("AT+GMR\r\n")).Return(0, boom)

	pr, pw := io.Pipe()
	defer pw.Close()
	d, err := NewDevice("dev0", pr, w, &testClass{})
	require.NoError(t, err)
	defer d.Close()

	err = d.Exec(nil, "+GMR")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, boom)
}

func TestUnsafeWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	w := NewMockWriter(ctrl)
	gomock.InOrder(
		w.EXPECT().Write([]byte("hello")).Return(5, nil),
		w.EXPECT().Write(gomock.Any()).Return(0, io.ErrClosedPipe),
	)
	pr, pw := io.Pipe()
	defer pw.Close()
	d, err := NewDevice("dev0", pr, w, &testClass{})
	require.NoError(t, err)
	defer d.Close()

	d.Lock()
	n, err := d.UnsafeWrite([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = d.UnsafeWrite([]byte("world"))
	d.Unlock()
	assert.ErrorIs(t, err, ErrTransport)
}

func TestClosed(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Exec(nil, ""), ErrClosed)
	assert.Empty(t, m.Commands())
}

func TestReceiverStopsOnEOF(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.Close()
	time.Sleep(20 * time.Millisecond)
	err := d.Exec(nil, "")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestWaitConnect(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	var calls atomic.Int32
	m.On("AT", func(m *attest.Module, _ string) {
		if calls.Add(1) > 2 {
			m.Reply("OK")
		}
	})
	require.NoError(t, d.WaitConnect(3*time.Second))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitConnectTimeout(t *testing.T) {
	d, m := newTestDevice(t, &testClass{})
	m.On("AT", func(*attest.Module, string) {})
	assert.ErrorIs(t, d.WaitConnect(200*time.Millisecond), ErrTimeout)
}

func TestTasks(t *testing.T) {
	d, _ := newTestDevice(t, &testClass{})

	ran := make(chan struct{})
	d.After(10*time.Millisecond, func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	var stopped atomic.Bool
	task := d.After(time.Hour, func() { stopped.Store(true) })
	assert.True(t, task.Stop())
	assert.False(t, task.Stop())

	var cancelled atomic.Bool
	d.After(50*time.Millisecond, func() { cancelled.Store(true) })
	d.Close()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, cancelled.Load())
	assert.False(t, stopped.Load())

	// Tasks scheduled on a closed device never run.
	assert.False(t, d.After(0, func() { t.Error("task on closed device") }).Stop())
}

func TestNewDeviceBadConfig(t *testing.T) {
	m := attest.New()
	defer m.Close()
	_, err := NewDevice("dev0", m.Reader(), m.Writer(), &testClass{},
		WithConfig(Config{LineBufSize: 8}))
	assert.ErrorIs(t, err, ErrInvalidArg)
}
