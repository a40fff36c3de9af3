package tcp

import (
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/cheahjs/lbnat/internal/lb/conntrack"
	"github.com/cheahjs/lbnat/internal/lb/packet"
	"github.com/cheahjs/lbnat/internal/lb/types"
)

// Service is the virtual endpoint the translator serves.
type Service struct {
	// VirtualIP is the load balancer address clients connect to. It is also the
	// source address the backend sees.
	VirtualIP netip.Addr
	BackendIP netip.Addr
	Port      uint16
}

// Translator rewrites TCP packets of the virtual service. Ingress performs
// DNAT toward the backend, Egress restores the client address on replies.
// Both directions share the conntrack Store and may run concurrently.
type Translator struct {
	store   conntrack.Store
	service Service
	logger  *zap.SugaredLogger
}

func NewTranslator(logger *zap.SugaredLogger, store conntrack.Store, service Service) *Translator {
	return &Translator{
		store:   store,
		service: service,
		logger:  logger.With("proto", "tcp"),
	}
}

// Ingress handles a frame arriving on the client-facing hook. Frames that are
// not TCP to the service port are left untouched.
func (t *Translator) Ingress(frame []byte) types.Result {
	pkt, err := packet.Parse(frame)
	if err != nil {
		return passOnParseError(err)
	}
	if pkt.DstPort() != t.service.Port {
		return types.Pass(types.ReasonNoService)
	}

	key := pkt.Key()
	t.store.Upsert(key, conntrack.OrigSrc(key.SrcIP))

	replyKey := t.dnat(pkt)
	// Backend replies reverse to this key; see Egress.
	t.store.Upsert(replyKey, conntrack.OrigSrc(key.SrcIP))

	t.logger.Debugf("Translated %v -> %v", key, replyKey)
	return types.Result{Verdict: types.VerdictContinue, Reason: types.ReasonTranslated}
}

// Egress handles a frame arriving on the backend-facing hook. The source
// address is always rewritten: to the recorded client address when the
// reversed tuple is tracked, otherwise to the virtual IP, which is then
// recorded so later packets of the flow resolve the same way.
func (t *Translator) Egress(frame []byte) types.Result {
	pkt, err := packet.Parse(frame)
	if err != nil {
		return passOnParseError(err)
	}

	reverse := pkt.Key().Reverse()
	if rec, ok := t.store.Lookup(reverse); ok {
		t.snat(pkt, rec.OrigSrcIP)
		t.logger.Debugf("Restored %v for reply to %v", rec.OrigSrcIP, reverse)
		return types.Result{Verdict: types.VerdictContinue, Reason: types.ReasonRestored}
	}

	// Fail open: an untracked or evicted flow keeps flowing as the LB address.
	t.snat(pkt, t.service.VirtualIP)
	t.store.Upsert(reverse, conntrack.OrigSrc(t.service.VirtualIP))
	t.logger.Debugf("No record for %v, seeded with %v", reverse, t.service.VirtualIP)
	return types.Result{Verdict: types.VerdictContinue, Reason: types.ReasonSeeded}
}

func passOnParseError(err error) types.Result {
	if errors.Is(err, packet.ErrMalformed) {
		return types.Pass(types.ReasonMalformed)
	}
	return types.Pass(types.ReasonUnsupported)
}
