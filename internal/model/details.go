package model

// DetailPayload is the typed per-detector detail carried by a candidate.
// It is flattened to a generic key-value map only at the persistence and
// wire boundary.
type DetailPayload interface {
	Flatten() map[string]any
}

// SSHDetails describes an SSH brute-force / anomaly detection.
type SSHDetails struct {
	SrcIP          string
	Token          string
	FailedCount    int
	FailThreshold  int
	ModelScore     float64
	ModelThreshold *float64
	ModelTriggered bool
	RawLine        string
}

func (d SSHDetails) Flatten() map[string]any {
	m := map[string]any{
		"src_ip":          d.SrcIP,
		"token":           d.Token,
		"failed_count":    d.FailedCount,
		"fail_threshold":  d.FailThreshold,
		"model_score":     d.ModelScore,
		"model_triggered": d.ModelTriggered,
		"raw_line":        d.RawLine,
	}
	if d.ModelThreshold != nil {
		m["model_threshold"] = *d.ModelThreshold
	}
	return m
}

// FlowDetails describes a network flow classification detection.
type FlowDetails struct {
	Label         string
	Confidence    float64
	SrcIP         string
	DstIP         string
	SrcPort       int
	DstPort       int
	Protocol      string
	DurationMS    float64
	TotalBytes    float64
	TotalPackets  float64
	Probabilities map[string]float64
}

func (d FlowDetails) Flatten() map[string]any {
	m := map[string]any{
		"label":         d.Label,
		"confidence":    d.Confidence,
		"src_ip":        d.SrcIP,
		"dst_ip":        d.DstIP,
		"src_port":      d.SrcPort,
		"dst_port":      d.DstPort,
		"protocol":      d.Protocol,
		"duration_ms":   d.DurationMS,
		"total_bytes":   d.TotalBytes,
		"total_packets": d.TotalPackets,
	}
	if len(d.Probabilities) > 0 {
		probs := make(map[string]any, len(d.Probabilities))
		for k, v := range d.Probabilities {
			probs[k] = v
		}
		m["probabilities"] = probs
	}
	return m
}

// IDSDetails describes a detection promoted from an upstream IDS alert.
type IDSDetails struct {
	SignatureID      int64
	Signature        string
	Category         string
	UpstreamSeverity *int
	Action           string
	SrcIP            string
	SrcPort          int
	DstIP            string
	DstPort          int
	Proto            string
}

func (d IDSDetails) Flatten() map[string]any {
	m := map[string]any{
		"signature_id": d.SignatureID,
		"signature":    d.Signature,
		"category":     d.Category,
		"action":       d.Action,
		"src_ip":       d.SrcIP,
		"src_port":     d.SrcPort,
		"dest_ip":      d.DstIP,
		"dest_port":    d.DstPort,
		"proto":        d.Proto,
	}
	if d.UpstreamSeverity != nil {
		m["upstream_severity"] = *d.UpstreamSeverity
	}
	return m
}
