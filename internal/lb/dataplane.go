// Package lb wires the packet endpoints, the connection table and the TCP
// translators into a running load balancer dataplane.
package lb

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cheahjs/lbnat/internal/config"
	"github.com/cheahjs/lbnat/internal/lb/conntrack"
	"github.com/cheahjs/lbnat/internal/lb/tcp"
	"github.com/cheahjs/lbnat/internal/lb/types"
	"github.com/cheahjs/lbnat/internal/metrics"
	"github.com/cheahjs/lbnat/internal/network"
)

const statsInterval = 30 * time.Second

// Dataplane owns the two hooks of the load balancer. The ingress hook reads
// from the client link and forwards to the backend link; the egress hook reads
// from the backend link and forwards to the client link.
type Dataplane struct {
	logger      *zap.SugaredLogger
	table       *conntrack.Table
	ingress     *Hook
	egress      *Hook
	links       []Link
	metricsAddr string

	statsInterval time.Duration

	closeOnce sync.Once
	closeErr  error
}

// New opens the configured interfaces and builds a dataplane over them.
func New(logger *zap.SugaredLogger, cfg *config.Config) (*Dataplane, error) {
	client, err := openLink(logger, cfg.Interfaces.Driver, cfg.Interfaces.Client)
	if err != nil {
		return nil, err
	}
	backend, err := openLink(logger, cfg.Interfaces.Driver, cfg.Interfaces.Backend)
	if err != nil {
		client.Close()
		return nil, err
	}

	var toBackend, toClient *types.EtherLayerFields
	if cfg.Interfaces.ResolveNeighbors {
		toBackend, err = resolveL2(logger, cfg.Interfaces.Backend, cfg.Service.BackendAddr())
		if err == nil {
			toClient, err = resolveL2(logger, cfg.Interfaces.Client, cfg.Interfaces.ClientGatewayAddr())
		}
		if err != nil {
			client.Close()
			backend.Close()
			return nil, err
		}
	}

	d, err := newDataplane(logger, cfg, client, backend, toBackend, toClient)
	if err != nil {
		client.Close()
		backend.Close()
		return nil, err
	}
	return d, nil
}

func newDataplane(logger *zap.SugaredLogger, cfg *config.Config, client, backend Link, toBackend, toClient *types.EtherLayerFields) (*Dataplane, error) {
	table, err := conntrack.New(logger, cfg.Conntrack.MaxEntries, conntrack.WithTTL(cfg.Conntrack.EntryTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection table: %w", err)
	}
	service := tcp.Service{
		VirtualIP: cfg.Service.VirtualAddr(),
		BackendIP: cfg.Service.BackendAddr(),
		Port:      uint16(cfg.Service.Port),
	}
	tr := tcp.NewTranslator(logger, table, service)
	logger.Infof("Serving %v:%d via backend %v", service.VirtualIP, service.Port, service.BackendIP)

	return &Dataplane{
		logger:        logger,
		table:         table,
		ingress:       newHook(logger, hookIngress, client, backend, tr.Ingress, toBackend),
		egress:        newHook(logger, hookEgress, backend, client, tr.Egress, toClient),
		links:         []Link{client, backend},
		metricsAddr:   cfg.Metrics.Address,
		statsInterval: statsInterval,
	}, nil
}

// resolveL2 returns the Ethernet addressing for frames leaving ifaceName
// toward the on-link neighbour nextHop.
func resolveL2(logger *zap.SugaredLogger, ifaceName string, nextHop netip.Addr) (*types.EtherLayerFields, error) {
	iface, err := network.LookupInterface(ifaceName)
	if err != nil {
		return nil, err
	}
	if len(iface.MAC) == 0 {
		return nil, fmt.Errorf("interface %s has no hardware address", ifaceName)
	}
	mac, err := network.ResolveNeighbor(nextHop)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve next hop on %s: %w", ifaceName, err)
	}
	logger.Infof("Frames out of %s (%v, %v) go to %v at %v", ifaceName, iface.IP, iface.MAC, nextHop, mac)
	return &types.EtherLayerFields{SrcMAC: iface.MAC, DstMAC: mac}, nil
}

// Run processes packets on both hooks until ctx is cancelled or one of them
// fails. The links are closed when Run returns.
func (d *Dataplane) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ingress.Run(ctx) })
	g.Go(func() error { return d.egress.Run(ctx) })
	g.Go(func() error {
		d.reportStats(ctx)
		return nil
	})
	if d.metricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, d.logger, d.metricsAddr) })
	}
	g.Go(func() error {
		// Unblocks hooks waiting in ReadFrame.
		<-ctx.Done()
		return d.Close()
	})
	return g.Wait()
}

func (d *Dataplane) reportStats(ctx context.Context) {
	ticker := time.NewTicker(d.statsInterval)
	defer ticker.Stop()
	for {
		stats := d.table.Stats()
		metrics.ConntrackEntries.Set(float64(stats.Entries))
		d.logger.Debugf("Conntrack: %d/%d entries, %d upserts, %d evictions",
			stats.Entries, stats.Capacity, stats.Upserts, stats.Evictions)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close closes both links. It is safe to call more than once.
func (d *Dataplane) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		for _, l := range d.links {
			if err := l.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s: %w", l.Name(), err))
			}
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
