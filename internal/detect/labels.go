package detect

import "strings"

// canonicalLabels maps collapsed label forms (lower-cased, spaces and
// dashes stripped) to the canonical display label. Classifier variants
// like "portscan", "Port Scans" and "PortScan" all land on one bucket so
// dedup keys and allowlists stay stable across model versions.
var canonicalLabels = map[string]string{
	"portscan":      "Port Scanning",
	"portscans":     "Port Scanning",
	"portscanning":  "Port Scanning",
	"ddos":          "DDoS",
	"dos":           "DoS",
	"doshulk":       "DoS",
	"dosslowloris":  "DoS",
	"bruteforce":    "Brute Force",
	"sshpatator":    "Brute Force",
	"ftppatator":    "Brute Force",
	"webattack":     "Web Attack",
	"webattacks":    "Web Attack",
	"bot":           "Bot",
	"botnet":        "Bot",
	"infiltration":  "Infiltration",
	"benign":        "Normal Traffic",
	"normal":        "Normal Traffic",
	"normaltraffic": "Normal Traffic",
}

// CanonicalLabel normalizes a raw classifier label. Unknown labels pass
// through trimmed but otherwise unchanged.
func CanonicalLabel(raw string) string {
	collapsed := collapseLabel(raw)
	if collapsed == "" {
		return ""
	}
	if canonical, ok := canonicalLabels[collapsed]; ok {
		return canonical
	}
	return strings.TrimSpace(raw)
}

func collapseLabel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// volumeAttackSubstrings identify labels subject to volume gating.
var volumeAttackSubstrings = []string{"ddos", "dos", "brute"}

// isVolumeAttackLabel reports whether the label describes a volumetric
// attack whose plausibility depends on flow size.
func isVolumeAttackLabel(label string) bool {
	l := strings.ToLower(label)
	for _, s := range volumeAttackSubstrings {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}
