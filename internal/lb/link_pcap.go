package lb

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

const (
	pcapSnapLen     = 65535
	pcapReadTimeout = 500 * time.Millisecond
)

// pcapLink captures inbound frames on a NIC and injects frames onto it. The
// kernel still receives every captured frame.
type pcapLink struct {
	name   string
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	handle *pcap.Handle
	closed bool
}

func openPcapLink(logger *zap.SugaredLogger, name string) (*pcapLink, error) {
	handle, err := pcap.OpenLive(name, pcapSnapLen, true, pcapReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap handle on %s: %w", name, err)
	}
	// Frames injected by the other hook must not be captured again.
	if err := handle.SetDirection(pcap.DirectionIn); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set capture direction on %s: %w", name, err)
	}
	if err := handle.SetBPFFilter("ip"); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set capture filter on %s: %w", name, err)
	}
	logger.Infof("Opened pcap on %s (link type %v)", name, handle.LinkType())
	return &pcapLink{
		name:   name,
		logger: logger,
		handle: handle,
	}, nil
}

func (l *pcapLink) Name() string { return l.name }

func (l *pcapLink) Mirrors() bool { return true }

func (l *pcapLink) ReadFrame() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, net.ErrClosed
	}
	data, _, err := l.handle.ReadPacketData()
	switch err {
	case nil:
		return data, nil
	case pcap.NextErrorTimeoutExpired:
		return nil, nil
	default:
		return nil, err
	}
}

func (l *pcapLink) WriteFrame(frame []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return net.ErrClosed
	}
	return l.handle.WritePacketData(frame)
}

// Close waits for an in-flight read, which returns within pcapReadTimeout.
func (l *pcapLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.handle.Close()
	l.logger.Infof("Closed pcap on %s", l.name)
	return nil
}
