package types

import "net"

// EtherLayerFields holds the link-layer addressing applied to a frame that is
// forwarded out of an interface.
type EtherLayerFields struct {
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
}

// Apply overwrites the Ethernet source and destination of frame. Frames shorter
// than an Ethernet header are left untouched.
func (f *EtherLayerFields) Apply(frame []byte) {
	if f == nil || len(frame) < 14 {
		return
	}
	if len(f.DstMAC) == 6 {
		copy(frame[0:6], f.DstMAC)
	}
	if len(f.SrcMAC) == 6 {
		copy(frame[6:12], f.SrcMAC)
	}
}

// Verdict is what a hook tells the host to do with a packet.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Reason records which branch of a translator handled a packet.
type Reason int

const (
	// ReasonMalformed: buffer too short for a header at the point it was read.
	ReasonMalformed Reason = iota
	// ReasonUnsupported: not IPv4, not TCP, or a non-initial fragment.
	ReasonUnsupported
	// ReasonNoService: destination port is not the virtual service port.
	ReasonNoService
	// ReasonTranslated: ingress DNAT applied.
	ReasonTranslated
	// ReasonRestored: egress found a record and restored the client address.
	ReasonRestored
	// ReasonSeeded: egress found no record and seeded one with the LB address.
	ReasonSeeded
)

func (r Reason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonNoService:
		return "no_service"
	case ReasonTranslated:
		return "translated"
	case ReasonRestored:
		return "restored"
	case ReasonSeeded:
		return "seeded"
	default:
		return "unknown"
	}
}

// Result is the outcome of running one packet through a translator.
type Result struct {
	Verdict Verdict
	Reason  Reason
}

// Rewritten reports whether the packet was modified in place.
func (r Result) Rewritten() bool {
	return r.Reason >= ReasonTranslated
}

// Pass is the fail-open result for a packet the translator did not touch.
func Pass(reason Reason) Result {
	return Result{Verdict: VerdictContinue, Reason: reason}
}
