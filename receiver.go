package atsock

import (
	"bytes"
	"errors"

	"go.uber.org/zap"
)

func receiverLoop(d *Device) {
	for {
		line, urc, err := d.in.readLine(d.urcs.match)
		if err != nil {
			if errors.Is(err, ErrBufferFull) {
				d.log.Warn("line too long, dropped", zap.Int("max", d.cfg.LineBufSize))
				continue
			}
			if !errors.Is(err, ErrClosed) {
				d.log.Error("receiver stopped", zap.Error(err))
			}
			d.rxerr = err
			close(d.rxdone)
			return
		}
		if urc != nil {
			d.log.Debug("urc", zap.ByteString("data", bytes.TrimSpace(line)))
			urc.Handler.HandleURC(d, line)
			continue
		}
		feed(d, line)
	}
}

var (
	sentinelOK    = []byte("OK")
	sentinelError = []byte("ERROR")
	sentinelFail  = []byte("FAIL")
)

// feed passes a line that matched no URC rule to the active response.
func feed(d *Device, line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return // skip blank lines
	}
	d.rmu.Lock()
	r := d.active
	if r == nil {
		d.rmu.Unlock()
		d.log.Debug("unsolicited line", zap.ByteString("line", line))
		sendAsync(d, string(line))
		return
	}
	var (
		err  error
		done bool
	)
	switch {
	case !r.append(line):
		err, done = ErrBufferFull, true
	case r.maxLines == 0 && bytes.HasPrefix(line, sentinelOK):
		done = true
	case bytes.Contains(line, sentinelError) || bytes.HasPrefix(line, sentinelFail):
		err, done = &ErrorAT{string(line)}, true
	case r.maxLines != 0 && r.Len() >= r.maxLines:
		done = true
	}
	if done {
		d.active = nil
		r.done <- err
	}
	d.rmu.Unlock()
}

func sendAsync(d *Device, msg string) {
	overrun := false
	for {
		select {
		case d.async <- msg:
			return
		default:
		}
		// Async channel is full. Remove the oldest message.
		select {
		case <-d.async:
		default:
		}
		if !overrun {
			overrun = true
			select {
			case d.async <- "": // inform about an overrun
			default:
			}
		}
	}
}
