// Package healing wraps unreliable stage work in a bounded retry loop that classifies each
// failure, adapts the call context, and backs off before trying again.
package healing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"

	"github.com/ashureev/outreach/internal/domain"
)

// Kind is the top level of the failure taxonomy.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindRemote     Kind = "remote"
	KindValidation Kind = "validation"
	KindUnknown    Kind = "unknown"
)

// Subkind refines KindNetwork.
type Subkind string

const (
	SubkindSSL        Subkind = "ssl"
	SubkindConnection Subkind = "connection"
	SubkindTimeout    Subkind = "timeout"
	SubkindDNS        Subkind = "dns"
)

// Error is a failure tagged once, at the boundary where the external call was made.
type Error struct {
	Kind      Kind
	Subkind   Subkind
	Status    int
	Reason    string
	Retryable bool
	// Suggested carries boundary-specific adaptations, merged ahead of the static ones.
	Suggested []domain.Change
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Category())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Category renders the classification as "network/timeout", "remote/503", "validation", ...
func (e *Error) Category() string {
	switch e.Kind {
	case KindNetwork:
		if e.Subkind != "" {
			return string(e.Kind) + "/" + string(e.Subkind)
		}
	case KindRemote:
		if e.Status != 0 {
			return string(e.Kind) + "/" + strconv.Itoa(e.Status)
		}
	}
	return string(e.Kind)
}

// Network builds a tagged network failure.
func Network(sub Subkind, err error) *Error {
	return &Error{Kind: KindNetwork, Subkind: sub, Retryable: sub != SubkindSSL, Err: err}
}

// Remote builds a tagged failure for a non-2xx response.
func Remote(status int, reason string) *Error {
	if reason == "" {
		reason = http.StatusText(status)
	}
	return &Error{
		Kind:      KindRemote,
		Status:    status,
		Reason:    reason,
		Retryable: status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
	}
}

// Validation builds a tagged failure for a result the stage validator rejected.
func Validation(reason string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Retryable: true}
}

var statusPattern = regexp.MustCompile(`(?i)\b(?:status|http)[ :=]*([1-5][0-9]{2})\b`)

// Tag classifies err with static rules over its type, code, status and message. An error
// that is already tagged is returned unchanged, so classification happens exactly once.
func Tag(err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}

	if sub, ok := networkSubkind(err); ok {
		return Network(sub, err)
	}
	if status, ok := errdefsStatus(err); ok {
		e := Remote(status, "")
		e.Err = err
		e.Reason = err.Error()
		return e
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "certificate", "handshake", "x509", "tls", "ssl"):
		return Network(SubkindSSL, err)
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return Network(SubkindTimeout, err)
	case containsAny(msg, "no such host", "enotfound", "eservfail", "server misbehaving"):
		return Network(SubkindDNS, err)
	case containsAny(msg, "connection refused", "connection reset", "econnrefused", "econnreset", "broken pipe"):
		return Network(SubkindConnection, err)
	}
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ := strconv.Atoi(m[1])
		if status >= 400 {
			e := Remote(status, err.Error())
			e.Err = err
			return e
		}
	}
	return &Error{Kind: KindUnknown, Reason: err.Error(), Retryable: true, Err: err}
}

func networkSubkind(err error) (Subkind, bool) {
	var (
		dnsErr     *net.DNSError
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		recordErr  tls.RecordHeaderError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &unknownCA), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr):
		return SubkindSSL, true
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return SubkindTimeout, true
		}
		return SubkindDNS, true
	case errors.Is(err, context.DeadlineExceeded), errdefs.IsDeadlineExceeded(err):
		return SubkindTimeout, true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errdefs.IsUnavailable(err):
		return SubkindConnection, true
	case errors.As(err, &netErr) && netErr.Timeout():
		return SubkindTimeout, true
	}
	return "", false
}

// errdefsStatus maps containerd error classes onto the HTTP status they correspond to.
func errdefsStatus(err error) (int, bool) {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound, true
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest, true
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized, true
	case errdefs.IsPermissionDenied(err):
		return http.StatusForbidden, true
	case errdefs.IsConflict(err):
		return http.StatusConflict, true
	case errdefs.IsResourceExhausted(err):
		return http.StatusTooManyRequests, true
	case errdefs.IsInternal(err):
		return http.StatusInternalServerError, true
	}
	return 0, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FatalError is returned once a stage exhausted its retry budget.
type FatalError struct {
	Stage    string
	Last     *Error
	Attempts []domain.StageAttempt
	// Report is the optional post-mortem produced by the diagnoser.
	Report string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempts: %v", e.Stage, len(e.Attempts), e.Last)
}

func (e *FatalError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// Category returns the last classified category, or "unknown".
func (e *FatalError) Category() string {
	if e.Last == nil {
		return string(KindUnknown)
	}
	return e.Last.Category()
}
