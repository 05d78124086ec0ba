// Package desktop talks to the desktop session over D-Bus.
package desktop

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

const (
	screenSaverService = "org.freedesktop.ScreenSaver"
	screenSaverPath    = "/org/freedesktop/ScreenSaver"
)

// Inhibit asks the session's screensaver not to blank the screen while the
// preview is open. It never fails: without a session bus or screensaver
// service it logs and returns a release func that does nothing.
func Inhibit(app, reason string) (release func()) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		logger.WithComponent("desktop").Debug().Err(err).Msg("No session bus, screensaver stays active")
		return func() {}
	}

	rel, err := inhibitWith(conn.Object(screenSaverService, dbus.ObjectPath(screenSaverPath)), app, reason)
	if err != nil {
		logger.WithComponent("desktop").Warn().Err(err).Msg("Screensaver inhibit failed")
		conn.Close()
		return func() {}
	}
	return func() {
		rel()
		conn.Close()
	}
}

func inhibitWith(obj dbus.BusObject, app, reason string) (func(), error) {
	var cookie uint32
	if err := obj.Call(screenSaverService+".Inhibit", 0, app, reason).Store(&cookie); err != nil {
		return nil, fmt.Errorf("inhibit: %w", err)
	}
	logger.WithComponent("desktop").Info().Uint32("cookie", cookie).Msg("Screensaver inhibited")

	var once sync.Once
	return func() {
		once.Do(func() {
			if call := obj.Call(screenSaverService+".UnInhibit", 0, cookie); call.Err != nil {
				logger.WithComponent("desktop").Warn().Err(call.Err).Msg("Screensaver uninhibit failed")
				return
			}
			logger.WithComponent("desktop").Debug().Uint32("cookie", cookie).Msg("Screensaver released")
		})
	}, nil
}
