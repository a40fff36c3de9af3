package lb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cheahjs/lbnat/internal/config"
	"github.com/cheahjs/lbnat/internal/lb/lbtest"
	"github.com/cheahjs/lbnat/internal/lb/packet"
	"github.com/cheahjs/lbnat/internal/lb/types"
	"github.com/cheahjs/lbnat/internal/metrics"
)

const (
	lbIP      = "10.0.0.1"
	backendIP = "10.0.1.20"
	client    = "10.0.0.5"
)

var (
	lbBackendMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x01, 0x01}
	backendMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x01, 0x02}
	lbClientMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x02, 0x01}
	gatewayMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x02, 0x02}
)

// fakeLink is a channel backed Link. Closing in makes ReadFrame fail with io.EOF.
type fakeLink struct {
	name    string
	mirrors bool
	in      chan []byte
	out     chan []byte

	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeLink(name string, mirrors bool) *fakeLink {
	return &fakeLink{
		name:    name,
		mirrors: mirrors,
		in:      make(chan []byte, 16),
		out:     make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (l *fakeLink) Name() string  { return l.name }
func (l *fakeLink) Mirrors() bool { return l.mirrors }

func (l *fakeLink) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-l.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeLink) WriteFrame(frame []byte) error {
	if l.writeErr != nil {
		return l.writeErr
	}
	select {
	case l.out <- append([]byte(nil), frame...):
		return nil
	case <-l.closed:
		return net.ErrClosed
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Service:    config.Service{VirtualIP: lbIP, BackendIP: backendIP, Port: 8080},
		Conntrack:  config.Conntrack{MaxEntries: 64},
		Interfaces: config.Interfaces{Client: "client0", Backend: "backend0", Driver: config.DriverPcap},
		Log:        config.Log{Level: "debug"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

type harness struct {
	client  *fakeLink
	backend *fakeLink
	dp      *Dataplane
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// wait returns the result of Run, or fails the test if Run does not return.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func startDataplane(t *testing.T, client, backend *fakeLink, toBackend, toClient *types.EtherLayerFields) *harness {
	t.Helper()
	dp, err := newDataplane(zap.NewNop().Sugar(), testConfig(t), client, backend, toBackend, toClient)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{client: client, backend: backend, dp: dp, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = dp.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame forwarded")
		return nil
	}
}

func TestDataplaneRoundTrip(t *testing.T) {
	h := startDataplane(t, newFakeLink("client0", true), newFakeLink("backend0", true),
		&types.EtherLayerFields{SrcMAC: lbBackendMAC, DstMAC: backendMAC},
		&types.EtherLayerFields{SrcMAC: lbClientMAC, DstMAC: gatewayMAC})

	// A read timeout is skipped.
	h.client.in <- nil
	h.client.in <- lbtest.TCP(t, client, lbIP, 54321, 8080)

	fwd := recv(t, h.backend.out)
	p, err := packet.Parse(fwd)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr(backendIP), p.DstIP())
	assert.Equal(t, netip.MustParseAddr(lbIP), p.SrcIP())
	assert.Equal(t, []byte(backendMAC), fwd[0:6])
	assert.Equal(t, []byte(lbBackendMAC), fwd[6:12])
	lbtest.RequireValidChecksums(t, fwd)

	h.backend.in <- lbtest.TCP(t, backendIP, lbIP, 8080, 54321)

	reply := recv(t, h.client.out)
	p, err = packet.Parse(reply)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr(client), p.SrcIP())
	assert.Equal(t, netip.MustParseAddr(lbIP), p.DstIP())
	assert.Equal(t, []byte(gatewayMAC), reply[0:6])
	assert.Equal(t, []byte(lbClientMAC), reply[6:12])
	lbtest.RequireValidChecksums(t, reply)
}

func TestMirroredPassThroughIsNotForwarded(t *testing.T) {
	h := startDataplane(t, newFakeLink("client0", true), newFakeLink("backend0", true), nil, nil)
	noService := metrics.Packets.WithLabelValues(hookIngress, types.ReasonNoService.String())
	before := testutil.ToFloat64(noService)

	h.client.in <- lbtest.TCP(t, client, lbIP, 54321, 22)
	h.client.in <- lbtest.TCP(t, client, lbIP, 54321, 8080)

	// Frames are handled in order, so the first forwarded frame is the second one read.
	p, err := packet.Parse(recv(t, h.backend.out))
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), p.DstPort())
	assert.Equal(t, before+1, testutil.ToFloat64(noService))
}

func TestUnmirroredPassThroughIsForwardedUntouched(t *testing.T) {
	h := startDataplane(t, newFakeLink("client0", false), newFakeLink("backend0", false),
		&types.EtherLayerFields{SrcMAC: lbBackendMAC, DstMAC: backendMAC}, nil)

	frame := lbtest.TCP(t, client, lbIP, 54321, 22)
	h.client.in <- append([]byte(nil), frame...)

	assert.True(t, bytes.Equal(frame, recv(t, h.backend.out)))
}

func TestForwardErrorIsCounted(t *testing.T) {
	backend := newFakeLink("backend0", true)
	backend.writeErr = errors.New("no buffer space")
	h := startDataplane(t, newFakeLink("client0", true), backend, nil, nil)

	forwardErrors := metrics.ForwardErrors.WithLabelValues(hookIngress)
	before := testutil.ToFloat64(forwardErrors)

	h.client.in <- lbtest.TCP(t, client, lbIP, 54321, 8080)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(forwardErrors) == before+1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := startDataplane(t, newFakeLink("client0", true), newFakeLink("backend0", true), nil, nil)
	h.cancel()

	require.NoError(t, h.wait(t))
	assert.True(t, h.client.isClosed())
	assert.True(t, h.backend.isClosed())
	assert.NoError(t, h.dp.Close())
}

func TestRunReturnsReadError(t *testing.T) {
	h := startDataplane(t, newFakeLink("client0", true), newFakeLink("backend0", true), nil, nil)
	close(h.client.in)

	err := h.wait(t)
	require.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "ingress")
	assert.True(t, h.backend.isClosed(), "a failing hook stops the dataplane")
}

func TestReportStatsUpdatesGauge(t *testing.T) {
	dp, err := newDataplane(zap.NewNop().Sugar(), testConfig(t), newFakeLink("client0", true), newFakeLink("backend0", true), nil, nil)
	require.NoError(t, err)
	dp.ingress.process(lbtest.TCP(t, client, lbIP, 54321, 8080))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dp.reportStats(ctx)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ConntrackEntries), "forward and reply records")
}
