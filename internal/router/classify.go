package router

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rakunlabs/relai/internal/service"
)

// ErrorKind is the routing-level classification of an upstream failure.
type ErrorKind string

const (
	KindAuthFatal       ErrorKind = "auth_fatal"
	KindRateLimit       ErrorKind = "rate_limit"
	KindModelNotFound   ErrorKind = "model_not_found"
	KindServerTransient ErrorKind = "server_transient"
	KindNetwork         ErrorKind = "network"
	KindUnknown         ErrorKind = "unknown"
)

// Classify maps an adapter error onto an ErrorKind. Status codes decide
// first; body substrings catch providers that return misleading codes.
func Classify(err error) ErrorKind {
	var ue *service.UpstreamError
	if !errors.As(err, &ue) {
		if errors.Is(err, context.DeadlineExceeded) {
			return KindNetwork
		}

		return KindUnknown
	}

	body := strings.ToLower(ue.Body)

	switch {
	case ue.StatusCode == http.StatusUnauthorized, ue.StatusCode == http.StatusForbidden:
		return KindAuthFatal
	case ue.StatusCode == http.StatusTooManyRequests, ue.StatusCode == http.StatusPaymentRequired:
		return KindRateLimit
	case ue.StatusCode == http.StatusNotFound:
		return KindModelNotFound
	case ue.StatusCode >= 500:
		return KindServerTransient
	}

	// Quota exhaustion is per-key, so it counts as auth-fatal.
	if strings.Contains(body, "invalid api key") || strings.Contains(body, "quota exceeded") {
		return KindAuthFatal
	}

	if strings.Contains(body, "model") && strings.Contains(body, "not found") {
		return KindModelNotFound
	}

	if ue.StatusCode == 0 {
		// Transport failure: connection refused, DNS, TLS, timeout.
		return KindNetwork
	}

	return KindUnknown
}

// policy describes how the failover layer reacts to an error kind.
type policy struct {
	ChannelWide  bool   // blacklist scope
	ClientStatus int    // surfaced status when no candidate is left
	ClientType   string // error "type" slug in the response body
	severity     int    // worst-kind ranking for AllChannelsFailed
}

// policyMatrix is the closed dispatch table; new kinds require code, not
// config.
var policyMatrix = map[ErrorKind]policy{
	KindAuthFatal:       {ChannelWide: true, ClientStatus: http.StatusBadGateway, ClientType: "upstream_error", severity: 6},
	KindNetwork:         {ClientStatus: http.StatusGatewayTimeout, ClientType: "upstream_error", severity: 5},
	KindServerTransient: {ClientStatus: http.StatusBadGateway, ClientType: "upstream_error", severity: 4},
	KindUnknown:         {ClientStatus: http.StatusInternalServerError, ClientType: "internal_error", severity: 3},
	KindRateLimit:       {ClientStatus: http.StatusTooManyRequests, ClientType: "rate_limit", severity: 2},
	KindModelNotFound:   {ClientStatus: http.StatusNotFound, ClientType: "upstream_error", severity: 1},
}

// PolicyFor returns the failover policy of a kind.
func PolicyFor(kind ErrorKind) policy {
	if p, ok := policyMatrix[kind]; ok {
		return p
	}

	return policyMatrix[KindUnknown]
}

// WorseKind returns the more severe of two kinds.
func WorseKind(a, b ErrorKind) ErrorKind {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}

	if PolicyFor(a).severity >= PolicyFor(b).severity {
		return a
	}

	return b
}
