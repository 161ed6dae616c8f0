package atsock

import (
	"fmt"
	"time"
)

// Retry describes a bounded retry policy. Attempts is the total number of
// tries, Delay the pause before the second one. Each following pause is the
// previous one multiplied by Multiplier (1 means a fixed delay).
type Retry struct {
	Attempts   int           `mapstructure:"attempts"`
	Delay      time.Duration `mapstructure:"delay"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// WithDefaults returns r with zero fields replaced by attempts and delay.
// A Multiplier below 1 becomes 1.
func (r Retry) WithDefaults(attempts int, delay time.Duration) Retry {
	if r.Attempts <= 0 {
		r.Attempts = attempts
	}
	if r.Delay <= 0 {
		r.Delay = delay
	}
	if r.Multiplier < 1 {
		r.Multiplier = 1
	}
	return r
}

// Do calls fn up to r.Attempts times, sleeping between the calls. It stops
// at the first call that returns done == true or a non-nil error.
// The returned bool reports whether some call succeeded.
func (r Retry) Do(fn func(attempt int) (done bool, err error)) (bool, error) {
	delay := r.Delay
	for i := 0; i < r.Attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * r.Multiplier)
		}
		done, err := fn(i)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

// Config contains the timing and sizing parameters of a Device. The zero
// value of any field selects its default.
type Config struct {
	// CmdTimeout is used for commands executed without an explicit response.
	CmdTimeout time.Duration `mapstructure:"cmd_timeout"`
	// RespSize is the default response buffer capacity in bytes.
	RespSize int `mapstructure:"resp_size"`
	// LineBufSize limits the length of a single received line.
	LineBufSize int `mapstructure:"line_buf_size"`
	// AsyncQueue is the capacity of the channel returned by Device.Async.
	AsyncQueue int `mapstructure:"async_queue"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CloseTimeout   time.Duration `mapstructure:"close_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	// AcceptTimeout bounds the first phase of a two phase send
	// acknowledgment.
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`

	// RecvTimeout bounds the raw payload read that follows an inbound
	// data notification.
	RecvTimeout time.Duration `mapstructure:"recv_timeout"`
	// MaxRecvSize is the largest payload that is delivered. Bigger ones
	// are drained and dropped.
	MaxRecvSize int `mapstructure:"max_recv_size"`

	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
	Resolve        Retry         `mapstructure:"resolve"`
}

// DefaultConfig returns the configuration used when none is provided.
func DefaultConfig() Config {
	var c Config
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.CmdTimeout <= 0 {
		c.CmdTimeout = time.Second
	}
	if c.RespSize <= 0 {
		c.RespSize = 128
	}
	if c.LineBufSize <= 0 {
		c.LineBufSize = 512
	}
	if c.AsyncQueue <= 0 {
		c.AsyncQueue = 5
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 10 * time.Second
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = time.Second
	}
	if c.MaxRecvSize <= 0 {
		c.MaxRecvSize = 8192
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 20 * time.Second
	}
	c.Resolve = c.Resolve.WithDefaults(5, 100*time.Millisecond)
}

func (c *Config) validate() error {
	if c.LineBufSize < 16 {
		return fmt.Errorf("%w: line buffer size %d too small", ErrInvalidArg, c.LineBufSize)
	}
	if c.RespSize > 1<<20 {
		return fmt.Errorf("%w: response size %d too big", ErrInvalidArg, c.RespSize)
	}
	return nil
}
