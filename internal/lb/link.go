package lb

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cheahjs/lbnat/internal/config"
)

var errShortFrame = errors.New("frame shorter than an Ethernet header")

// Link is a packet endpoint a hook reads frames from and forwards frames to.
// Frames always start with an Ethernet header.
//
// ReadFrame is called from a single goroutine. The returned frame is owned by
// the caller until the next ReadFrame. A nil frame with a nil error means the
// read timed out and the caller should poll again. WriteFrame may be called
// concurrently with ReadFrame.
type Link interface {
	Name() string
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	// Mirrors reports whether frames read from the link also reach the host
	// stack on their own, so that untouched frames need not be written back.
	Mirrors() bool
	Close() error
}

func openLink(logger *zap.SugaredLogger, driver, name string) (Link, error) {
	switch driver {
	case config.DriverPcap:
		return openPcapLink(logger, name)
	case config.DriverTUN:
		return openTunLink(logger, name)
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}
