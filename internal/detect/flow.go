package detect

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/Amr204/Analytical-Intelligence/internal/features"
	"github.com/Amr204/Analytical-Intelligence/internal/model"
	"github.com/Amr204/Analytical-Intelligence/internal/policy"
	"github.com/Amr204/Analytical-Intelligence/internal/severity"
)

// dhcpPorts are rejected by the broadcast filter: DHCPv4 and DHCPv6.
var dhcpPorts = map[int]bool{67: true, 68: true, 546: true, 547: true}

// FlowPipeline classifies network flows through an ordered chain of
// early-exit filters around the Classifier capability. Every stage can
// be disabled through the policy so operators can trade recall against
// classifier noise without retraining.
type FlowPipeline struct {
	classifier Classifier
	policyFn   func() *policy.Policy
	logger     *slog.Logger
}

// NewFlowPipeline creates a pipeline. policyFn is consulted on every
// flow so policy hot reloads take effect immediately.
func NewFlowPipeline(classifier Classifier, policyFn func() *policy.Policy, logger *slog.Logger) *FlowPipeline {
	return &FlowPipeline{
		classifier: classifier,
		policyFn:   policyFn,
		logger:     logger,
	}
}

// Analyze runs a flow through the filter chain. It returns nil when any
// stage rejects the flow. Errors from the classifier are returned so the
// caller can degrade to "no detection".
func (p *FlowPipeline) Analyze(flow map[string]any) (*model.DetectionCandidate, error) {
	if p.classifier == nil {
		return nil, nil
	}
	pol := p.policyFn()

	srcIP := strField(flow, "src_ip")
	dstIP := strField(flow, "dst_ip")
	srcPort := intField(flow, "src_port")
	dstPort := intField(flow, "dst_port")
	proto := protocolName(flow)

	// Stage 1: broadcast/DHCP filter.
	if pol.BroadcastFilter {
		if isBroadcastOrMulticast(srcIP) || isBroadcastOrMulticast(dstIP) ||
			dhcpPorts[srcPort] || dhcpPorts[dstPort] {
			return nil, nil
		}
	}

	// Stage 2: feature mapping and clipping.
	mapper := features.NewMapper(p.classifier.Schema(), pol.MinFlowDurationMS)
	vec, debug := mapper.Map(flow)
	if len(vec) == 0 {
		return nil, nil
	}
	vec = mapper.Clip(vec)

	// Stage 3: classification.
	rawLabel, score, probabilities, err := p.classifier.Predict(vec)
	if err != nil {
		return nil, fmt.Errorf("flow classification failed: %w", err)
	}

	// Stage 4: label normalization.
	label := CanonicalLabel(rawLabel)

	// Stage 5: benign / empty labels never alert.
	if label == "" || label == pol.BenignLabel {
		return nil, nil
	}

	// Stage 6: optional known-label check.
	if pol.RequireKnownLabel && !p.isKnownLabel(rawLabel, label) {
		p.logger.Debug("Flow label outside trained set", "label", rawLabel)
		return nil, nil
	}

	// Stage 7: allowlist.
	if !pol.Allows(label) {
		if pol.NonAllowedAction == policy.ActionLogOnly {
			p.logger.Info("Flow label not in allowlist",
				"label", label, "score", score, "action", pol.NonAllowedAction)
		}
		return nil, nil
	}

	durationMS, _ := flowNum(flow, "bidirectional_duration_ms")
	totalPackets, _ := flowNum(flow, "bidirectional_packets")
	totalBytes, _ := flowNum(flow, "bidirectional_bytes")

	// Stage 8: volume gating for volumetric attack labels.
	if pol.VolumeGateEnabled && isVolumeAttackLabel(label) {
		if !passesVolumeGate(pol.VolumeGate, durationMS, totalPackets, totalBytes) {
			p.logger.Debug("Flow rejected by volume gate",
				"label", label,
				"duration_ms", durationMS,
				"packets", totalPackets,
				"bytes", totalBytes)
			return nil, nil
		}
	}

	// Stage 9: confidence check.
	if score < pol.ConfidenceThreshold(label) {
		return nil, nil
	}

	// Stage 10: emit the candidate.
	sev := severity.ForNetwork(label, score)
	p.logger.Debug("Flow detection",
		"label", label,
		"score", score,
		"severity", sev,
		"mapped_features", debug.MappedCount,
		"fallback_features", debug.FallbackCount)

	return &model.DetectionCandidate{
		ModelName: "network_ml",
		Label:     label,
		Score:     score,
		Severity:  sev,
		SrcIP:     srcIP,
		DstIP:     dstIP,
		SrcPort:   srcPort,
		DstPort:   dstPort,
		Proto:     proto,
		Details: model.FlowDetails{
			Label:         label,
			Confidence:    score,
			SrcIP:         srcIP,
			DstIP:         dstIP,
			SrcPort:       srcPort,
			DstPort:       dstPort,
			Protocol:      proto,
			DurationMS:    durationMS,
			TotalBytes:    totalBytes,
			TotalPackets:  totalPackets,
			Probabilities: probabilities,
		},
	}, nil
}

func (p *FlowPipeline) isKnownLabel(rawLabel, canonical string) bool {
	for _, l := range p.classifier.Labels() {
		if l == rawLabel || CanonicalLabel(l) == canonical {
			return true
		}
	}
	return false
}

func passesVolumeGate(g policy.VolumeGate, durationMS, packets, bytes float64) bool {
	if durationMS < g.MinDurationMS || packets < g.MinPackets || bytes < g.MinBytes {
		return false
	}
	// Rate floors only make sense once the flow is long enough to have
	// a meaningful rate.
	if durationMS >= g.RateFloorMS {
		durationSec := durationMS / 1000.0
		if packets/durationSec < g.MinPacketsPerSec {
			return false
		}
		if bytes/durationSec < g.MinBytesPerSec {
			return false
		}
	}
	return true
}

func isBroadcastOrMulticast(ip string) bool {
	if ip == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.Equal(net.IPv4bcast) {
		return true
	}
	if parsed.IsMulticast() {
		return true
	}
	// Subnet-directed broadcast heuristic for common /24 networks.
	if v4 := parsed.To4(); v4 != nil && v4[3] == 255 {
		return true
	}
	return false
}

func strField(flow map[string]any, name string) string {
	if v, ok := flow[name].(string); ok {
		return v
	}
	return ""
}

func intField(flow map[string]any, name string) int {
	v, ok := flowNum(flow, name)
	if !ok {
		return 0
	}
	return int(v)
}

func flowNum(flow map[string]any, name string) (float64, bool) {
	v, ok := flow[name]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// protocolName renders the numeric IP protocol as its common name.
func protocolName(flow map[string]any) string {
	if s := strField(flow, "protocol"); s != "" {
		return strings.ToUpper(s)
	}
	switch intField(flow, "protocol") {
	case 1:
		return "ICMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	case 0:
		return ""
	default:
		return fmt.Sprintf("IP/%d", intField(flow, "protocol"))
	}
}
