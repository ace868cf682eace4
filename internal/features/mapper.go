// Package features maps raw flow-metric maps onto the ordered numeric
// feature vector the flow classifier was trained on.
//
// Unit convention: flow exporters report inter-arrival times and durations
// in milliseconds while the training data uses microseconds, so every
// IAT-related feature is converted with ms * 1000 = us.
package features

import (
	"math"
	"strings"
)

// Schema is the classifier's static feature description: the ordered
// feature names, per-feature median fallbacks and the columns that get
// clipped to a sane upper bound.
type Schema struct {
	FeatureList []string           `json:"feature_list"`
	MedianMap   map[string]float64 `json:"median_map"`
	ClipColumns []string           `json:"columns_to_clip"`
}

// rateClipMax bounds bytes/s and packets/s columns.
const rateClipMax = 1e9

// NormalizeFeatureName strips spaces from a training feature name,
// e.g. "Destination Port" -> "DestinationPort".
func NormalizeFeatureName(name string) string {
	return strings.ReplaceAll(name, " ", "")
}

// featureMapping maps normalized training feature names to flow metric
// fields. Names absent here (or mapped to "") are computed or imputed.
var featureMapping = map[string]string{
	"DestinationPort": "dst_port",
	"FlowDuration":    "bidirectional_duration_ms", // converted ms -> us

	"TotalFwdPackets":         "src2dst_packets",
	"TotalLengthofFwdPackets": "src2dst_bytes",

	"FwdPacketLengthMax":  "src2dst_max_ps",
	"FwdPacketLengthMin":  "src2dst_min_ps",
	"FwdPacketLengthMean": "src2dst_mean_ps",
	"FwdPacketLengthStd":  "src2dst_stddev_ps",

	"BwdPacketLengthMax":  "dst2src_max_ps",
	"BwdPacketLengthMin":  "dst2src_min_ps",
	"BwdPacketLengthMean": "dst2src_mean_ps",
	"BwdPacketLengthStd":  "dst2src_stddev_ps",

	"MinPacketLength":  "bidirectional_min_ps",
	"MaxPacketLength":  "bidirectional_max_ps",
	"PacketLengthMean": "bidirectional_mean_ps",
	"PacketLengthStd":  "bidirectional_stddev_ps",

	"FINFlagCount": "bidirectional_fin_packets",
	"PSHFlagCount": "bidirectional_psh_packets",
	"ACKFlagCount": "bidirectional_ack_packets",

	"SubflowFwdBytes": "src2dst_bytes",

	"FlowIATMean": "bidirectional_mean_piat_ms",
	"FlowIATStd":  "bidirectional_stddev_piat_ms",
	"FlowIATMax":  "bidirectional_max_piat_ms",
	"FlowIATMin":  "bidirectional_min_piat_ms",

	"FwdIATMean": "src2dst_mean_piat_ms",
	"FwdIATStd":  "src2dst_stddev_piat_ms",
	"FwdIATMax":  "src2dst_max_piat_ms",
	"FwdIATMin":  "src2dst_min_piat_ms",

	"BwdIATMean": "dst2src_mean_piat_ms",
	"BwdIATStd":  "dst2src_stddev_piat_ms",
	"BwdIATMax":  "dst2src_max_piat_ms",
	"BwdIATMin":  "dst2src_min_piat_ms",
}

// iatConvertMsToUs lists the IAT features converted from ms to us.
var iatConvertMsToUs = map[string]bool{
	"FlowIATMean": true, "FlowIATStd": true, "FlowIATMax": true, "FlowIATMin": true,
	"FwdIATTotal": true, "FwdIATMean": true, "FwdIATStd": true, "FwdIATMax": true, "FwdIATMin": true,
	"BwdIATTotal": true, "BwdIATMean": true, "BwdIATStd": true, "BwdIATMax": true, "BwdIATMin": true,
}

// MapDebug carries mapping statistics for logging.
type MapDebug struct {
	MappedCount     int
	FallbackCount   int
	MissingFeatures []string
	TotalFeatures   int
	DurationMS      float64
	RateSafe        bool
}

// Mapper turns a flow metric map into the schema's feature vector.
type Mapper struct {
	schema *Schema

	// Flows shorter than this produce zero for all rate features,
	// preventing near-zero durations from inflating packets/s and
	// bytes/s into values the classifier reads as volumetric attacks.
	minFlowDurationMS float64
}

// NewMapper creates a Mapper over the classifier's schema. schema may be
// nil, in which case Map returns an empty vector.
func NewMapper(schema *Schema, minFlowDurationMS float64) *Mapper {
	return &Mapper{schema: schema, minFlowDurationMS: minFlowDurationMS}
}

// numField coerces a JSON-decoded flow metric to float64.
func numField(flow map[string]any, name string) (float64, bool) {
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
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Map builds the ordered feature vector for a flow. Unmapped or
// non-finite values fall back to the schema's median (0 when absent).
func (m *Mapper) Map(flow map[string]any) ([]float64, MapDebug) {
	if m.schema == nil || len(m.schema.FeatureList) == 0 {
		return nil, MapDebug{}
	}

	featureList := m.schema.FeatureList
	medianMap := m.schema.MedianMap

	vec := make([]float64, len(featureList))
	debug := MapDebug{TotalFeatures: len(featureList)}

	durationMS, _ := numField(flow, "bidirectional_duration_ms")
	debug.DurationMS = durationMS

	// Rate guard: below the minimum duration every rate feature is 0.
	rateSafeDurationSec := 0.0
	if durationMS >= m.minFlowDurationMS {
		rateSafeDurationSec = durationMS / 1000.0
	}
	debug.RateSafe = rateSafeDurationSec > 0

	totalBytes, _ := numField(flow, "bidirectional_bytes")
	totalPackets, _ := numField(flow, "bidirectional_packets")
	fwdPackets, _ := numField(flow, "src2dst_packets")
	bwdPackets, _ := numField(flow, "dst2src_packets")
	stdPS, _ := numField(flow, "bidirectional_stddev_ps")

	for i, featureName := range featureList {
		normalized := NormalizeFeatureName(featureName)

		value := math.NaN()
		mapped := false

		if field, ok := featureMapping[normalized]; ok && field != "" {
			if v, present := numField(flow, field); present {
				value = v
				mapped = true
				if normalized == "FlowDuration" {
					value *= 1000 // ms -> us
				}
			}
		}

		if math.IsNaN(value) {
			switch normalized {
			case "FlowBytes/s":
				value = safeRate(totalBytes, rateSafeDurationSec)
			case "FlowPackets/s":
				value = safeRate(totalPackets, rateSafeDurationSec)
			case "FwdPackets/s":
				value = safeRate(fwdPackets, rateSafeDurationSec)
			case "BwdPackets/s":
				value = safeRate(bwdPackets, rateSafeDurationSec)
			case "AveragePacketSize":
				if totalPackets > 0 {
					value = totalBytes / totalPackets
				} else {
					value = 0
				}
			case "PacketLengthVariance":
				value = stdPS * stdPS
			case "FwdIATTotal":
				meanIAT, _ := numField(flow, "src2dst_mean_piat_ms")
				value = meanIAT * math.Max(fwdPackets-1, 0) * 1000 // ms -> us
				mapped = true
			case "BwdIATTotal":
				meanIAT, _ := numField(flow, "dst2src_mean_piat_ms")
				value = meanIAT * math.Max(bwdPackets-1, 0) * 1000 // ms -> us
				mapped = true
			}
		}

		// FwdIATTotal and BwdIATTotal are already in microseconds.
		if iatConvertMsToUs[normalized] && !math.IsNaN(value) &&
			normalized != "FwdIATTotal" && normalized != "BwdIATTotal" {
			value *= 1000 // ms -> us
		}

		if math.IsNaN(value) {
			med, ok := medianMap[featureName]
			if !ok {
				debug.MissingFeatures = append(debug.MissingFeatures, featureName)
			}
			value = med
			debug.FallbackCount++
		} else if mapped {
			debug.MappedCount++
		}

		if !isFinite(value) {
			value = medianMap[featureName]
			debug.FallbackCount++
			if debug.MappedCount > 0 {
				debug.MappedCount--
			}
		}

		vec[i] = value
	}

	return vec, debug
}

// Clip replaces any remaining non-finite values with the median and
// bounds the designated rate columns to rateClipMax. Mutates vec in place
// and returns it.
func (m *Mapper) Clip(vec []float64) []float64 {
	if m.schema == nil || len(vec) == 0 {
		return vec
	}

	clip := make(map[string]bool, len(m.schema.ClipColumns))
	for _, c := range m.schema.ClipColumns {
		clip[c] = true
		clip[NormalizeFeatureName(c)] = true
	}

	for i, featureName := range m.schema.FeatureList {
		if i >= len(vec) {
			break
		}
		if !isFinite(vec[i]) {
			vec[i] = m.schema.MedianMap[featureName]
		}
		if clip[featureName] || clip[NormalizeFeatureName(featureName)] {
			if vec[i] < 0 {
				vec[i] = 0
			} else if vec[i] > rateClipMax {
				vec[i] = rateClipMax
			}
		}
	}
	return vec
}

func safeRate(count, durationSec float64) float64 {
	if durationSec > 0 {
		return count / durationSec
	}
	return 0
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
