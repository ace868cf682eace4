package detect

import (
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
	"github.com/Amr204/Analytical-Intelligence/internal/severity"
)

// Token classes assigned to parsed auth log lines.
const (
	TokenInvalidUser      = "INVALID_USER"
	TokenFailedPassword   = "FAILED_PASSWORD"
	TokenAcceptedPassword = "ACCEPTED_PASSWORD"
	TokenAcceptedPubkey   = "ACCEPTED_PUBLICKEY"
	TokenDisconnect       = "DISCONNECT"
	TokenConnectionClosed = "CONNECTION_CLOSED"
	TokenReverseDNSFail   = "REVERSE_DNS_FAIL"
	TokenPAMAuthFailure   = "PAM_AUTH_FAILURE"
	TokenAuthFailure      = "AUTH_FAILURE"
	TokenSessionOpened    = "SESSION_OPENED"
	TokenSessionClosed    = "SESSION_CLOSED"
	TokenOther            = "OTHER"
)

// tokenRule classifies a line; first match wins, so more specific
// patterns come first.
type tokenRule struct {
	re    *regexp.Regexp
	token string
}

var tokenRules = []tokenRule{
	{regexp.MustCompile(`(?i)Failed password for invalid user`), TokenInvalidUser},
	{regexp.MustCompile(`(?i)Failed password for`), TokenFailedPassword},
	{regexp.MustCompile(`(?i)Invalid user`), TokenInvalidUser},
	{regexp.MustCompile(`(?i)Accepted password for`), TokenAcceptedPassword},
	{regexp.MustCompile(`(?i)Accepted publickey for`), TokenAcceptedPubkey},
	{regexp.MustCompile(`(?i)Disconnected from`), TokenDisconnect},
	{regexp.MustCompile(`(?i)Connection closed by`), TokenConnectionClosed},
	{regexp.MustCompile(`(?i)POSSIBLE BREAK-IN ATTEMPT`), TokenReverseDNSFail},
	{regexp.MustCompile(`(?i)Reverse mapping checking`), TokenReverseDNSFail},
	{regexp.MustCompile(`(?i)pam_unix.*authentication failure`), TokenPAMAuthFailure},
	{regexp.MustCompile(`(?i)authentication failure`), TokenAuthFailure},
	{regexp.MustCompile(`(?i)session opened for user`), TokenSessionOpened},
	{regexp.MustCompile(`(?i)session closed for user`), TokenSessionClosed},
}

var ipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`from\s+(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`),
	regexp.MustCompile(`rhost=(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`),
	regexp.MustCompile(`\[(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\]`),
}

// failureTokens are the classes counted toward the brute-force window.
var failureTokens = map[string]bool{
	TokenFailedPassword: true,
	TokenInvalidUser:    true,
	TokenPAMAuthFailure: true,
	TokenAuthFailure:    true,
}

// ParseAuthLine classifies a raw auth log line and extracts the source
// IP. Lines that match no rule are classified OTHER; srcIP is empty when
// no address could be extracted.
func ParseAuthLine(line string) (token, srcIP string) {
	token = TokenOther
	for _, rule := range tokenRules {
		if rule.re.MatchString(line) {
			token = rule.token
			break
		}
	}
	for _, re := range ipPatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			srcIP = m[1]
			break
		}
	}
	return token, srcIP
}

// historyMaxAge bounds per-IP state; entries beyond it are pruned on the
// next observation of that IP.
const historyMaxAge = time.Hour

// minSequenceLen is the token history required before the sequence model runs.
const minSequenceLen = 3

type tokenAt struct {
	ts time.Time
	id int
}

// ipState is the rolling per-source-IP state. Its mutex serializes
// concurrent observations of the same IP.
type ipState struct {
	mu       sync.Mutex
	tokens   []tokenAt
	failures []time.Time
}

// SSHTracker watches parsed auth events per source IP and combines a
// failed-attempt threshold with the sequence anomaly model.
type SSHTracker struct {
	mu  sync.RWMutex
	ips map[string]*ipState

	scorer        AnomalyScorer // nil when the model failed to load
	failWindow    time.Duration
	failThreshold int
	logger        *slog.Logger
}

// NewSSHTracker creates a tracker. scorer may be nil, leaving only
// threshold-based detection active.
func NewSSHTracker(scorer AnomalyScorer, failWindow time.Duration, failThreshold int, logger *slog.Logger) *SSHTracker {
	return &SSHTracker{
		ips:           make(map[string]*ipState),
		scorer:        scorer,
		failWindow:    failWindow,
		failThreshold: failThreshold,
		logger:        logger,
	}
}

func (t *SSHTracker) state(ip string) *ipState {
	t.mu.RLock()
	st, ok := t.ips[ip]
	t.mu.RUnlock()
	if ok {
		return st
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.ips[ip]; ok {
		return st
	}
	st = &ipState{}
	t.ips[ip] = st
	return st
}

// Observe processes one raw auth log line. It returns a candidate when
// the brute-force threshold or the sequence model triggers, nil otherwise.
func (t *SSHTracker) Observe(line string, ts time.Time) *model.DetectionCandidate {
	token, srcIP := ParseAuthLine(line)
	if srcIP == "" {
		return nil
	}

	tokenID := 0
	if t.scorer != nil {
		tokenID = t.scorer.TokenID(token)
	}

	st := t.state(srcIP)
	st.mu.Lock()

	st.tokens = append(st.tokens, tokenAt{ts: ts, id: tokenID})
	st.tokens = pruneTokens(st.tokens, ts.Add(-historyMaxAge))

	if failureTokens[token] {
		st.failures = append(st.failures, ts)
		st.failures = pruneTimes(st.failures, ts.Add(-historyMaxAge))
	}

	// Events exactly at ts-window are excluded.
	failedCount := 0
	failCutoff := ts.Add(-t.failWindow)
	for _, f := range st.failures {
		if f.After(failCutoff) {
			failedCount++
		}
	}

	history := make([]int, len(st.tokens))
	for i, tok := range st.tokens {
		history[i] = tok.id
	}
	st.mu.Unlock()

	modelScore := 0.0
	modelAnomaly := false
	if t.scorer != nil && len(history) >= minSequenceLen {
		seq := windowSequence(history, t.scorer.WindowSize(), t.scorer.TokenID(TokenOther))
		score, anomaly, err := t.scorer.Predict(seq)
		if err != nil {
			t.logger.Warn("SSH sequence scoring failed", "src_ip", srcIP, "error", err)
		} else {
			modelScore = score
			modelAnomaly = anomaly
		}
	}

	thresholdHit := failedCount >= t.failThreshold
	if !thresholdHit && !modelAnomaly {
		return nil
	}

	var label string
	switch {
	case thresholdHit:
		label = "SSH_BRUTE_FORCE"
	case modelAnomaly:
		label = "SSH_ANOMALY"
	default:
		label = "SSH_SUSPICIOUS"
	}

	combinedScore := modelScore
	if norm := float64(failedCount) / 20.0; norm > combinedScore {
		combinedScore = norm
	}

	sev := severity.ForSSH(failedCount, modelAnomaly, modelScore)

	t.logger.Info("SSH detection triggered",
		"src_ip", srcIP,
		"label", label,
		"failed_count", failedCount,
		"model_score", modelScore,
		"model_triggered", modelAnomaly,
		"severity", sev)

	rawLine := line
	if len(rawLine) > 500 {
		rawLine = rawLine[:500]
	}

	return &model.DetectionCandidate{
		ModelName: "ssh_lstm",
		Label:     label,
		Score:     combinedScore,
		Severity:  sev,
		SrcIP:     srcIP,
		DstPort:   22,
		Proto:     "SSH",
		TS:        ts,
		Details: model.SSHDetails{
			SrcIP:          srcIP,
			Token:          token,
			FailedCount:    failedCount,
			FailThreshold:  t.failThreshold,
			ModelScore:     modelScore,
			ModelTriggered: modelAnomaly,
			RawLine:        rawLine,
		},
	}
}

// windowSequence takes the trailing window of the history, left-padding
// with padID when the history is shorter than the window.
func windowSequence(history []int, window, padID int) []int {
	if window <= 0 {
		return nil
	}
	seq := make([]int, window)
	if padID != 0 {
		for i := range seq {
			seq[i] = padID
		}
	}
	start := len(history) - window
	if start < 0 {
		copy(seq[window-len(history):], history)
	} else {
		copy(seq, history[start:])
	}
	return seq
}

func pruneTokens(tokens []tokenAt, cutoff time.Time) []tokenAt {
	kept := tokens[:0]
	for _, t := range tokens {
		if t.ts.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
