package lb

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cheahjs/lbnat/internal/lb/types"
	"github.com/cheahjs/lbnat/internal/metrics"
)

const (
	hookIngress = "ingress"
	hookEgress  = "egress"
)

// Hook runs one translator over every frame read from source and forwards the
// frames that must continue to sink.
type Hook struct {
	name   string
	source Link
	sink   Link
	handle func(frame []byte) types.Result
	// l2 is applied to rewritten frames before they are forwarded. May be nil.
	l2     *types.EtherLayerFields
	logger *zap.SugaredLogger

	packets       map[types.Reason]prometheus.Counter
	forwardErrors prometheus.Counter
}

func newHook(logger *zap.SugaredLogger, name string, source, sink Link, handle func([]byte) types.Result, l2 *types.EtherLayerFields) *Hook {
	h := &Hook{
		name:          name,
		source:        source,
		sink:          sink,
		handle:        handle,
		l2:            l2,
		logger:        logger.With("hook", name),
		packets:       make(map[types.Reason]prometheus.Counter),
		forwardErrors: metrics.ForwardErrors.WithLabelValues(name),
	}
	for r := types.ReasonMalformed; r <= types.ReasonSeeded; r++ {
		h.packets[r] = metrics.Packets.WithLabelValues(name, r.String())
	}
	return h
}

// Run processes frames until ctx is cancelled or the source fails. A read
// error caused by closing the source after cancellation is not reported.
func (h *Hook) Run(ctx context.Context) error {
	h.logger.Infof("Reading frames from %s, forwarding to %s", h.source.Name(), h.sink.Name())
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := h.source.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s hook: failed to read from %s: %w", h.name, h.source.Name(), err)
		}
		if frame == nil {
			continue
		}
		h.process(frame)
	}
}

func (h *Hook) process(frame []byte) {
	res := h.handle(frame)
	h.packets[res.Reason].Inc()

	switch {
	case res.Verdict == types.VerdictDrop:
		return
	case res.Rewritten():
		h.l2.Apply(frame)
	case h.source.Mirrors():
		// The host already has the original.
		return
	}

	if err := h.sink.WriteFrame(frame); err != nil {
		h.forwardErrors.Inc()
		h.logger.Errorf("Failed to forward frame to %s: %v", h.sink.Name(), err)
	}
}
