// Package severity maps detector output to the platform's coarse
// severity scale. All functions here are pure.
package severity

import (
	"strings"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

// criticalIDSPatterns flag volumetric / availability attacks in IDS signatures.
var criticalIDSPatterns = []string{
	"ddos", "dos ", "flood", "amplification",
	"denial of service", "resource exhaustion",
}

// highIDSPatterns flag scans, brute force and exploitation attempts.
var highIDSPatterns = []string{
	"scan", "brute", "exploit", "attack",
	"shellcode", "trojan", "malware", "backdoor",
	"command injection", "sql injection", "xss",
	"remote code execution", "rce", "buffer overflow",
}

// ForIDS determines severity for an upstream IDS alert. Keyword matches on
// the signature or category win; otherwise the IDS's own 1..4 scale is used
// (1 is its highest), defaulting to MEDIUM when absent.
func ForIDS(signature, category string, upstreamSeverity *int) model.Severity {
	sig := strings.ToLower(signature)
	cat := strings.ToLower(category)

	for _, p := range criticalIDSPatterns {
		if strings.Contains(sig, p) || strings.Contains(cat, p) {
			return model.SeverityCritical
		}
	}
	for _, p := range highIDSPatterns {
		if strings.Contains(sig, p) || strings.Contains(cat, p) {
			return model.SeverityHigh
		}
	}

	if upstreamSeverity != nil {
		switch *upstreamSeverity {
		case 1:
			return model.SeverityHigh
		case 2:
			return model.SeverityMedium
		default:
			return model.SeverityLow
		}
	}

	return model.SeverityMedium
}

// ForNetwork determines severity for a flow classification.
func ForNetwork(label string, score float64) model.Severity {
	l := strings.ToLower(label)

	if strings.Contains(l, "ddos") {
		return model.SeverityCritical
	}
	if strings.Contains(l, "dos") {
		if score >= 0.90 {
			return model.SeverityCritical
		}
		return model.SeverityHigh
	}
	if strings.Contains(l, "patator") || strings.Contains(l, "brute") || strings.Contains(l, "web") {
		return model.SeverityHigh
	}
	if strings.Contains(l, "scan") || strings.Contains(l, "bot") {
		return model.SeverityMedium
	}

	switch {
	case score >= 0.95:
		return model.SeverityHigh
	case score >= 0.80:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// ForSSH determines severity for an SSH brute-force / anomaly detection.
// failedCount dominates; the sequence model alone caps at HIGH.
func ForSSH(failedCount int, modelAnomaly bool, score float64) model.Severity {
	if failedCount >= 20 {
		return model.SeverityCritical
	}
	if failedCount >= 10 || (modelAnomaly && score >= 0.9) {
		return model.SeverityHigh
	}
	if failedCount >= 5 || modelAnomaly {
		return model.SeverityMedium
	}
	return model.SeverityLow
}
