// v0
// internal/source/usb.go
package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/tcalmant/nfc-voting/internal/device"
)

// PollUSB reconciles the registry with the USB bus every interval until ctx
// ends. The first scan runs immediately.
func PollUSB(ctx context.Context, lister device.Lister, reg *device.Registry, interval time.Duration, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log = log.With("component", "usb_poller")
	scan := func() {
		ids, err := lister.List()
		if err != nil {
			log.Warn("usb_scan_failed", slog.Any("err", err))
			return
		}
		attached, detached := reg.Sync(ids)
		if len(attached)+len(detached) > 0 {
			log.Debug("usb_scan_changes", slog.Any("attached", attached), slog.Any("detached", detached))
		}
	}
	scan()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			scan()
		}
	}
}
