package mw31

import (
	"testing"
	"time"

	"github.com/embeddedgo/atsock"
	"github.com/stretchr/testify/assert"
)

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.setDefaults()
	assert.Equal(t, 5*time.Second, o.WaitConnect)
	assert.Equal(t, 20*time.Second, o.JoinTimeout)
	assert.Equal(t, atsock.Retry{Attempts: 2, Delay: time.Second, Multiplier: 1}, o.Retry)

	o = Options{Retry: atsock.Retry{Attempts: 4}}
	o.setDefaults()
	assert.Equal(t, 4, o.Retry.Attempts)
	assert.Equal(t, time.Second, o.Retry.Delay)
}
