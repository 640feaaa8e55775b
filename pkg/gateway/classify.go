package gateway

import (
	"context"
	"errors"
	"net"
	"strings"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
)

// ClassifyHTTPLike implements spec.md §4.3's classification table for
// providers that speak HTTP: timeouts, 5xx, rate-limit (429), and network
// resets are transient; 4xx (other than 429), malformed response, and auth
// failures are permanent; a disabled/missing-key provider is degraded.
func ClassifyHTTPLike(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var svcErr *nerrors.ServiceError
	if se, ok := nerrors.As(err); ok {
		svcErr = se
		switch svcErr.Kind {
		case nerrors.KindProviderTransient, nerrors.KindTimeout:
			return ClassTransient
		case nerrors.KindProviderDegraded:
			return ClassDegraded
		case nerrors.KindProviderPermanent, nerrors.KindInvalidInput:
			return ClassPermanent
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "503"), strings.Contains(msg, "502"), strings.Contains(msg, "500"):
		return ClassTransient
	case strings.Contains(msg, "disabled"), strings.Contains(msg, "missing api key"), strings.Contains(msg, "not configured"):
		return ClassDegraded
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "malformed"), strings.Contains(msg, "400"):
		return ClassPermanent
	default:
		return ClassPermanent
	}
}
