package lb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/cheahjs/lbnat/internal/lb/packet"
)

const (
	tunMTU     = 1500
	tunBufSize = 65535
	// tunOffset leaves room for the virtio header the Linux driver writes in
	// front of each packet, and for the synthetic Ethernet header.
	tunOffset = 16
)

// tunLink exchanges IP packets with a TUN device. Packets carry no link
// header, so ReadFrame prepends a zeroed Ethernet header and WriteFrame
// strips it.
type tunLink struct {
	name   string
	dev    tun.Device
	logger *zap.SugaredLogger

	bufs    [][]byte
	sizes   []int
	pending int
	next    int

	writeMu  sync.Mutex
	writeBuf []byte

	closeOnce sync.Once
	closeErr  error
}

func openTunLink(logger *zap.SugaredLogger, name string) (*tunLink, error) {
	dev, err := tun.CreateTUN(name, tunMTU)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device %s: %w", name, err)
	}
	if realName, err := dev.Name(); err == nil {
		name = realName
	}
	l := newTunLink(logger, name, dev)
	go l.watchEvents()
	logger.Infof("Created TUN device %s, batch size %d", name, dev.BatchSize())
	return l, nil
}

func newTunLink(logger *zap.SugaredLogger, name string, dev tun.Device) *tunLink {
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, tunOffset+tunBufSize)
	}
	return &tunLink{
		name:   name,
		dev:    dev,
		logger: logger,
		bufs:   bufs,
		sizes:  make([]int, batch),
	}
}

func (l *tunLink) watchEvents() {
	for ev := range l.dev.Events() {
		switch {
		case ev&tun.EventUp != 0:
			l.logger.Infof("TUN device %s is up", l.name)
		case ev&tun.EventDown != 0:
			l.logger.Warnf("TUN device %s is down", l.name)
		}
	}
}

func (l *tunLink) Name() string { return l.name }

func (l *tunLink) Mirrors() bool { return false }

func (l *tunLink) ReadFrame() ([]byte, error) {
	for l.next >= l.pending {
		n, err := l.dev.Read(l.bufs, l.sizes, tunOffset)
		if err != nil && !(errors.Is(err, tun.ErrTooManySegments) && n > 0) {
			return nil, err
		}
		l.pending, l.next = n, 0
	}
	i := l.next
	l.next++

	frame := l.bufs[i][tunOffset-packet.EthernetHeaderLen : tunOffset+l.sizes[i]]
	clear(frame[:12])
	etherType := layers.EthernetTypeIPv4
	if len(frame) > packet.EthernetHeaderLen && frame[packet.EthernetHeaderLen]>>4 == 6 {
		etherType = layers.EthernetTypeIPv6
	}
	binary.BigEndian.PutUint16(frame[12:14], uint16(etherType))
	return frame, nil
}

func (l *tunLink) WriteFrame(frame []byte) error {
	if len(frame) < packet.EthernetHeaderLen {
		return errShortFrame
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	n := tunOffset + len(frame) - packet.EthernetHeaderLen
	if cap(l.writeBuf) < n {
		l.writeBuf = make([]byte, n)
	}
	buf := l.writeBuf[:n]
	copy(buf[tunOffset:], frame[packet.EthernetHeaderLen:])
	_, err := l.dev.Write([][]byte{buf}, tunOffset)
	return err
}

func (l *tunLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.dev.Close()
		l.logger.Infof("Closed TUN device %s", l.name)
	})
	return l.closeErr
}
