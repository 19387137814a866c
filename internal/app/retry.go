package app

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	pipeline "github.com/flowmesh/llmgateway/internal"
)

// Decision is the outcome of classifying an upstream error: what the retry
// engine (C8) should do with the target that just failed.
type Decision int

const (
	// DecisionTerminal means the error is the caller's fault (or otherwise
	// unrecoverable by trying a different target) and the request should
	// fail now.
	DecisionTerminal Decision = iota
	// DecisionRotate means this target is temporarily bad (rate limited
	// with no reset hint, context too long for it, 5xx or network failure)
	// and the next pool target should be tried immediately.
	DecisionRotate
	// DecisionCooldownThenRotate is DecisionRotate plus a series cooldown:
	// the upstream told us (or strongly implied) when capacity will come
	// back, so skip this target/series for that long on future requests.
	DecisionCooldownThenRotate
	// DecisionReauthThenRotate means the failure looks like an expired or
	// invalid credential; the caller should force a credential refresh via
	// oauthlifecycle before rotating to the next target (or retrying the
	// same one once reauth succeeds).
	DecisionReauthThenRotate
)

type httpStatusError interface {
	HTTPStatus() int
}

// isSentinelClientError reports whether err is (or wraps) one of the
// domain-level client error sentinels that are always the caller's fault,
// regardless of whether the error also carries an HTTP status.
func isSentinelClientError(err error) bool {
	return errors.Is(err, pipeline.ErrBadRequest) ||
		errors.Is(err, pipeline.ErrUnauthorized) ||
		errors.Is(err, pipeline.ErrForbidden) ||
		errors.Is(err, pipeline.ErrModelNotAllowed) ||
		errors.Is(err, pipeline.ErrKeyExpired) ||
		errors.Is(err, pipeline.ErrKeyBlocked)
}

var (
	contextOverflowPattern = regexp.MustCompile(`(?i)context[_ ]length|too (many|long) tokens|prompt is too long|maximum context`)
	oauthReauthPattern     = regexp.MustCompile(`(?i)401|invalid[_-]?token|token expired|unauthorized`)
	quotaHintPattern       = regexp.MustCompile(`(?i)quota[_ ]?exhausted|resource[_ ]?exhausted|capacity[_ ]?exhausted`)
	cooldownDurationRegex  = regexp.MustCompile(`(\d+)(ms|s|m|h)`)
)

// classify maps an upstream error (and, for 403s, whether the provider uses
// OAuth) onto the taxonomy C8 rotates, cools down, or fails fast on.
func classify(err error, providerIsOAuth bool) (Decision, pipeline.SeriesCooldownDetail) {
	if err == nil {
		return DecisionTerminal, pipeline.SeriesCooldownDetail{}
	}

	if isSentinelClientError(err) {
		return DecisionTerminal, pipeline.SeriesCooldownDetail{}
	}

	status := 0
	var he httpStatusError
	if errors.As(err, &he) {
		status = he.HTTPStatus()
	}
	msg := err.Error()

	switch {
	case status == 429:
		if d, ok := cooldownFromMessage(msg); ok {
			return DecisionCooldownThenRotate, d
		}
		return DecisionRotate, pipeline.SeriesCooldownDetail{}

	case status == 400 && contextOverflowPattern.MatchString(msg):
		return DecisionRotate, pipeline.SeriesCooldownDetail{}

	case status == 403 && providerIsOAuth && oauthReauthPattern.MatchString(msg):
		return DecisionReauthThenRotate, pipeline.SeriesCooldownDetail{}

	case quotaHintPattern.MatchString(msg):
		if d, ok := cooldownFromMessage(msg); ok {
			return DecisionCooldownThenRotate, d
		}
		return DecisionCooldownThenRotate, pipeline.SeriesCooldownDetail{CooldownMs: int64(30 * time.Second / time.Millisecond)}

	case status >= 400 && status < 500:
		return DecisionTerminal, pipeline.SeriesCooldownDetail{}

	default:
		// 5xx, timeouts, network errors: no dedicated transport-retry layer
		// sits below the router in this deployment, so the router itself
		// treats them as rotate-worthy rather than failing the request
		// outright on the first bad target.
		return DecisionRotate, pipeline.SeriesCooldownDetail{}
	}
}

// cooldownFromMessage looks for quotaResetDelay/quotaResetTimeStamp-style
// duration hints in an error message (e.g. "retry after 30s", "resets in
// 2m") and sums every duration token found, per the duration regex in the
// spec. ok is false when no duration hint was found.
func cooldownFromMessage(msg string) (pipeline.SeriesCooldownDetail, bool) {
	matches := cooldownDurationRegex.FindAllStringSubmatch(msg, -1)
	if len(matches) == 0 {
		return pipeline.SeriesCooldownDetail{}, false
	}
	var total time.Duration
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "ms":
			total += time.Duration(n) * time.Millisecond
		case "s":
			total += time.Duration(n) * time.Second
		case "m":
			total += time.Duration(n) * time.Minute
		case "h":
			total += time.Duration(n) * time.Hour
		}
	}
	if total == 0 {
		return pipeline.SeriesCooldownDetail{}, false
	}
	return pipeline.SeriesCooldownDetail{
		CooldownMs:      total.Milliseconds(),
		QuotaResetDelay: total,
		Source:          "error-message",
	}, true
}

// errorSignature reduces an error to a stable string for the consecutive-
// error fail-fast check: same status + same normalized message family
// across attempts means the pool itself is unhealthy, not any one target.
func errorSignature(err error) string {
	if err == nil {
		return ""
	}
	status := 0
	var he httpStatusError
	if errors.As(err, &he) {
		status = he.HTTPStatus()
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, ':'); i > 0 && i < 40 {
		msg = msg[:i]
	}
	return strconv.Itoa(status) + "|" + msg
}

// maxConsecutiveSameError is how many attempts in a row may fail with the
// same error signature before the router gives up on the whole pool
// instead of exhausting every remaining target one at a time.
const maxConsecutiveSameError = 3
