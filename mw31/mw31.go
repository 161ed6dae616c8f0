// Package mw31 implements the MW31 WiFi module class: module bring-up, the
// +WEVENT link notifications and the network interface commands.
package mw31

import (
	"bytes"
	"time"

	"github.com/embeddedgo/atsock"
	"go.uber.org/zap"
)

// netInfoDelay is the pause between the STATION_UP event and the address
// query. The module needs a moment to publish its DHCP lease.
const netInfoDelay = time.Second

// Class is the MW31 module class.
type Class struct{}

func (Class) Name() string { return "mw31" }

func (Class) URCs() []atsock.URC {
	return []atsock.URC{
		{Prefix: "+WEVENT:", Suffix: "\r\n", Handler: atsock.URCFunc(linkEvent)},
	}
}

// linkEvent handles +WEVENT:STATION_UP and +WEVENT:STATION_DOWN. Events
// received before the device is initialized are ignored.
func linkEvent(d *atsock.Device, data []byte) {
	log := d.Logger()
	switch {
	case bytes.Contains(data, []byte("STATION_UP")):
		log.Info("WIFI is connected")
		if !d.Ready() {
			return
		}
		d.SetLink(true)
		d.After(netInfoDelay, func() {
			info, err := FetchNetInfo(d)
			if err != nil {
				log.Error("get network info", zap.Error(err))
				return
			}
			d.SetNetInfo(info)
		})
	case bytes.Contains(data, []byte("STATION_DOWN")):
		log.Info("WIFI is disconnected")
		if d.Ready() {
			d.SetLink(false)
		}
	}
}

// Options control Init and Reset.
type Options struct {
	SSID     string `mapstructure:"ssid"`
	Password string `mapstructure:"password"`

	// WaitConnect bounds the wait for the module to answer AT after
	// power up or reset.
	WaitConnect time.Duration `mapstructure:"wait_connect"`
	// RebootDelay is the pause after AT+REBOOT.
	RebootDelay time.Duration `mapstructure:"reboot_delay"`
	// ResetDelay is the pause after AT+RST.
	ResetDelay time.Duration `mapstructure:"reset_delay"`
	// JoinTimeout bounds the access point association.
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	Retry       atsock.Retry  `mapstructure:"retry"`
}

func (o *Options) setDefaults() {
	if o.WaitConnect <= 0 {
		o.WaitConnect = 5 * time.Second
	}
	if o.RebootDelay <= 0 {
		o.RebootDelay = 2 * time.Second
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 20 * time.Second
	}
	o.Retry = o.Retry.WithDefaults(2, time.Second)
}

// Init waits for the module, reboots it, switches it to station mode and
// joins the access point. The whole sequence is retried according to
// o.Retry. On success the device is marked ready and the link up.
func Init(d *atsock.Device, o Options) error {
	o.setDefaults()
	log := d.Logger()
	log.Debug("initialize start")
	if err := d.WaitConnect(o.WaitConnect); err != nil {
		return err
	}
	var lastErr error
	ok, _ := o.Retry.Do(func(attempt int) (bool, error) {
		if attempt > 0 {
			log.Info("initialize retry", zap.Int("attempt", attempt+1))
		}
		if lastErr = initOnce(d, &o); lastErr != nil {
			log.Error("network initialize failed", zap.String("ssid", o.SSID), zap.Error(lastErr))
			return false, nil
		}
		return true, nil
	})
	if !ok {
		d.SetReady(false)
		d.SetLink(false)
		return lastErr
	}
	d.SetReady(true)
	d.SetLink(true)
	log.Info("network initialize successfully")
	return nil
}

func initOnce(d *atsock.Device, o *Options) error {
	r := atsock.NewResponse(128, 0, 5*time.Second)
	if err := d.Exec(r, "+REBOOT"); err != nil {
		return err
	}
	time.Sleep(o.RebootDelay)
	if err := d.Exec(r, "+WSAPQ"); err != nil {
		return err
	}
	if err := d.Exec(r, "+FWVER?"); err != nil {
		return err
	}
	if r.Len() > 1 {
		d.Logger().Debug("firmware", zap.Strings("version", r.Lines()[:r.Len()-1]))
	}
	r = atsock.NewResponse(128, 0, o.JoinTimeout)
	return d.Exec(r, "+WJAP=", atsock.Raw(o.SSID), atsock.Raw(o.Password))
}

// Reset resets the module and initializes it again.
func Reset(d *atsock.Device, o Options) error {
	o.setDefaults()
	err := d.Exec(nil, "+RST")
	time.Sleep(o.ResetDelay)
	d.SetReady(false)
	if err := d.WaitConnect(o.WaitConnect); err != nil {
		return err
	}
	if ierr := Init(d, o); ierr != nil {
		return ierr
	}
	return err
}

// JoinAP connects the module to the access point ssid.
func JoinAP(d *atsock.Device, ssid, password string, timeout time.Duration) error {
	if ssid == "" {
		return &atsock.Error{Dev: d.Name(), Cmd: "join", Err: atsock.ErrInvalidArg}
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	r := atsock.NewResponse(128, 0, timeout)
	if err := d.Exec(r, "+CWJAP=", ssid, password); err != nil {
		d.Logger().Error("wifi connect failed", zap.String("ssid", ssid), zap.Error(err))
		return err
	}
	return nil
}
