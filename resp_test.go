package atsock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFilledResponse(t *testing.T, lines ...string) *Response {
	t.Helper()
	r := NewResponse(256, 0, 1)
	r.reset()
	for _, l := range lines {
		require.True(t, r.append([]byte(l)))
	}
	return r
}

func TestResponseLines(t *testing.T) {
	r := newFilledResponse(t, "+CIPDOMAIN:1.2.3.4", "OK")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "+CIPDOMAIN:1.2.3.4", r.Line(1))
	assert.Equal(t, "OK", r.Line(2))
	assert.Equal(t, "", r.Line(0))
	assert.Equal(t, "", r.Line(3))
	assert.Equal(t, []string{"+CIPDOMAIN:1.2.3.4", "OK"}, r.Lines())
	assert.Equal(t, "+CIPDOMAIN:1.2.3.4\nOK", r.String())

	line, ok := r.LineByKw("+CIPDOMAIN:")
	assert.True(t, ok)
	assert.Equal(t, "+CIPDOMAIN:1.2.3.4", line)
	_, ok = r.LineByKw("+WMAC:")
	assert.False(t, ok)
}

func TestResponseCapacity(t *testing.T) {
	r := NewResponse(8, 0, 1)
	r.reset()
	assert.True(t, r.append([]byte("1234567")))
	assert.False(t, r.append([]byte("x")))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 8, r.Cap())

	r.reset()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 8, r.Cap())
}

func TestResponseFields(t *testing.T) {
	r := newFilledResponse(t, "+WJAPIP?:192.168.1.7,255.255.255.0,192.168.1.1,8.8.8.8,8.8.4.4", "OK")

	f, err := r.Fields("+WJAPIP?:", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.7", "255.255.255.0", "192.168.1.1", "8.8.8.8,8.8.4.4"}, f)

	_, err = r.Fields("+WJAPIP?:", 6)
	assert.ErrorIs(t, err, ErrParse)
	_, err = r.Fields("+WMAC:", 1)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestResponseScan(t *testing.T) {
	r := newFilledResponse(t,
		`+CIPSTATUS:0,"TCP","93.184.216.34",80,50123,0`,
		`+WDHCP:ON`,
		`+CWJAP:"my net","a0:b1:c2:d3:e4:f5",6,-50`,
		"OK",
	)
	var (
		id, rport, lport int
		typ, ip          string
	)
	require.NoError(t, r.Scan("+CIPSTATUS:", &id, &typ, &ip, &rport, &lport))
	assert.Equal(t, 0, id)
	assert.Equal(t, "TCP", typ)
	assert.Equal(t, "93.184.216.34", ip)
	assert.Equal(t, 80, rport)
	assert.Equal(t, 50123, lport) // extra field ignored

	var dhcp bool
	require.NoError(t, r.Scan("+WDHCP:", &dhcp))
	assert.True(t, dhcp)

	var (
		ssid string
		ch   uint
		rest string
	)
	require.NoError(t, r.Scan("+CWJAP:", &ssid, nil, &ch, &rest))
	assert.Equal(t, "my net", ssid)
	assert.Equal(t, uint(6), ch)
	assert.Equal(t, "-50", rest)

	assert.ErrorIs(t, r.Scan("+CIPSTATUS:", nil, &id), ErrParse) // "TCP" is not int
	assert.ErrorIs(t, r.Scan("+CIPSTATUS:", new(float64)), ErrArgType)
	assert.ErrorIs(t, r.Scan("+NONE:", &id), ErrParse)
}

func TestHexFields(t *testing.T) {
	for _, s := range []string{"a0b1c2d3e4f5", `"a0:b1:c2:d3:e4:f5"`, "A0-B1-C2-D3-E4-F5"} {
		b, err := HexFields(s, 6, 2)
		require.NoError(t, err, s)
		assert.Equal(t, []byte{0xa0, 0xb1, 0xc2, 0xd3, 0xe4, 0xf5}, b, s)
	}
	_, err := HexFields("a0b1", 6, 2)
	assert.ErrorIs(t, err, ErrParse)
	_, err = HexFields("zzb1c2d3e4f5", 6, 2)
	assert.ErrorIs(t, err, ErrParse)
}
