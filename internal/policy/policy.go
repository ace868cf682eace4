// Package policy holds the operator-tunable detection policy: which
// filter stages of the flow pipeline run, which labels may create
// detections and the confidence / volume thresholds applied to them.
package policy

// Actions for labels outside the allowlist. MapToNormal and Ignore drop
// the candidate the same way; the distinct name is kept from the policy
// file format.
const (
	ActionIgnore      = "ignore"
	ActionLogOnly     = "log_only"
	ActionMapToNormal = "map_to_normal"
)

// VolumeGate sets the hard floors a volume-attack label must clear.
// Rate floors apply only once the flow is at least RateFloorMS long.
type VolumeGate struct {
	MinDurationMS    float64 `yaml:"min_duration_ms"`
	MinPackets       float64 `yaml:"min_packets"`
	MinBytes         float64 `yaml:"min_bytes"`
	RateFloorMS      float64 `yaml:"rate_floor_ms"`
	MinPacketsPerSec float64 `yaml:"min_packets_per_sec"`
	MinBytesPerSec   float64 `yaml:"min_bytes_per_sec"`
}

// Policy is the consolidated filter configuration for the flow pipeline.
// Each stage is independently disableable so an operator can trade recall
// against false positives without retraining.
type Policy struct {
	// BroadcastFilter rejects flows touching broadcast/multicast
	// addresses or DHCP ports before they reach the classifier.
	BroadcastFilter bool `yaml:"broadcast_filter"`

	// BenignLabel is the classifier's no-attack label.
	BenignLabel string `yaml:"benign_label"`

	// RequireKnownLabel rejects labels outside the classifier's trained set.
	RequireKnownLabel bool `yaml:"require_known_label"`

	// AllowedLabels restricts which canonical labels may create
	// detections. Empty means all labels are allowed.
	AllowedLabels []string `yaml:"allowed_labels"`

	// NonAllowedAction is applied to labels outside the allowlist.
	NonAllowedAction string `yaml:"non_allowed_action"`

	// DefaultConfidence is the global minimum classifier score.
	DefaultConfidence float64 `yaml:"default_confidence"`

	// LabelConfidence overrides DefaultConfidence per canonical label.
	LabelConfidence map[string]float64 `yaml:"label_confidence"`

	// VolumeGateEnabled applies VolumeGate to labels matched as volume
	// attacks ("dos", "ddos", "brute" substrings).
	VolumeGateEnabled bool       `yaml:"volume_gate_enabled"`
	VolumeGate        VolumeGate `yaml:"volume_gate"`

	// MinFlowDurationMS gates rate features in the feature mapper.
	MinFlowDurationMS float64 `yaml:"min_flow_duration_ms"`
}

// Default returns the policy used when no policy file is configured.
func Default() *Policy {
	return &Policy{
		BroadcastFilter:   true,
		BenignLabel:       "Normal Traffic",
		RequireKnownLabel: true,
		AllowedLabels:     nil,
		NonAllowedAction:  ActionIgnore,
		DefaultConfidence: 0.60,
		LabelConfidence:   map[string]float64{},
		VolumeGateEnabled: false,
		VolumeGate: VolumeGate{
			MinDurationMS:    100,
			MinPackets:       20,
			MinBytes:         2000,
			RateFloorMS:      250,
			MinPacketsPerSec: 10,
			MinBytesPerSec:   1000,
		},
		MinFlowDurationMS: 50,
	}
}

// Allows reports whether a canonical label passes the allowlist.
func (p *Policy) Allows(label string) bool {
	if len(p.AllowedLabels) == 0 {
		return true
	}
	for _, l := range p.AllowedLabels {
		if l == label {
			return true
		}
	}
	return false
}

// ConfidenceThreshold returns the per-label override or the global default.
func (p *Policy) ConfidenceThreshold(label string) float64 {
	if t, ok := p.LabelConfidence[label]; ok {
		return t
	}
	return p.DefaultConfidence
}
