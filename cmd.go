package atsock

import (
	"strconv"
	"time"
)

// Command describes a command together with the shape of its response.
// Module classes return Command values so the socket layer does not need to
// know their AT vocabulary.
type Command struct {
	Name    string        // command name without the AT prefix, e.g. "+CIPSEND="
	Args    []any         // see Device.Exec
	Size    int           // response buffer size, 0 means Config.RespSize
	Lines   int           // response line count, 0 means until OK/ERROR
	EndSign byte          // additional line terminator, 0 means none
	Timeout time.Duration // 0 means Config.CmdTimeout
}

// maxCmdLen limits the length of a formatted command including CRLF.
const maxCmdLen = 256

// appendCmd appends the AT command line built from name and args to buf.
func appendCmd(buf []byte, name string, args []any) ([]byte, error) {
	buf = append(buf, 'A', 'T')
	buf = append(buf, name...)
	for i, arg := range args {
		if i != 0 {
			buf = append(buf, ',')
		}
		switch a := arg.(type) {
		case string:
			buf = append(buf, '"')
			for k := 0; k < len(a); k++ {
				c := a[k]
				if c == '"' || c == '\\' {
					buf = append(buf, '\\')
				}
				buf = append(buf, c)
			}
			buf = append(buf, '"')
		case Raw:
			buf = append(buf, a...)
		case int:
			buf = strconv.AppendInt(buf, int64(a), 10)
		case uint:
			buf = strconv.AppendUint(buf, uint64(a), 10)
		case bool:
			if a {
				buf = append(buf, '1')
			} else {
				buf = append(buf, '0')
			}
		default:
			if arg != nil {
				return buf, ErrArgType
			}
		}
	}
	if len(buf) > maxCmdLen-2 {
		return buf, ErrBufferFull
	}
	return append(buf, '\r', '\n'), nil
}

// Raw is a command argument that is inserted verbatim (without quotes).
type Raw string
