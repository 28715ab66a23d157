package healing

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

const fallbackUserAgent = "Mozilla/5.0 (compatible; OutreachBot/2.0)"

// Adapt derives the context changes for a classified failure. It is a pure function of the
// tagged error and the context the failed attempt ran with.
func Adapt(e *Error, hc Context) []domain.Change {
	if e == nil {
		return nil
	}
	changes := append([]domain.Change(nil), e.Suggested...)

	switch e.Kind {
	case KindNetwork:
		switch e.Subkind {
		case SubkindSSL:
			changes = append(changes,
				change(KeyInsecureSkipVerify, "true"),
				raiseTimeout(hc, 15*time.Second))
		case SubkindConnection:
			changes = append(changes,
				raiseTimeout(hc, 20*time.Second),
				change(HeaderPrefix+"User-Agent", fallbackUserAgent))
		case SubkindTimeout:
			changes = append(changes,
				raiseTimeout(hc, 30*time.Second),
				change(KeyMaxConns, "1"))
		case SubkindDNS:
			changes = append(changes,
				change(KeyForceIPv4, "true"),
				change(KeyRetryDelay, (5*time.Second).String()))
		}
	case KindRemote:
		switch {
		case e.Status == http.StatusNotFound:
			changes = append(changes, alternateTarget(hc)...)
		case e.Status == http.StatusTooManyRequests:
			changes = append(changes,
				change(KeyRetryDelay, time.Minute.String()),
				change(HeaderPrefix+"X-RateLimit-Retry", "true"))
		case e.Status == http.StatusRequestTimeout || e.Status == http.StatusGatewayTimeout:
			changes = append(changes, raiseTimeout(hc, 30*time.Second))
		case e.Status >= 500:
			changes = append(changes, raiseTimeout(hc, 20*time.Second))
		}
	case KindValidation:
		changes = append(changes, change(KeyValidationFeedback, e.Reason))
	default:
		changes = append(changes, raiseTimeout(hc, 15*time.Second))
	}
	return changes
}

// StaticDiagnosis describes a tagged failure without consulting any external diagnoser.
func StaticDiagnosis(e *Error, hc Context) domain.Diagnosis {
	d := domain.Diagnosis{
		Category:  string(KindUnknown),
		Severity:  "medium",
		Retryable: true,
		Source:    "static",
	}
	if e == nil {
		return d
	}
	d.Category = string(e.Kind)
	d.Subkind = string(e.Subkind)
	d.Retryable = e.Retryable
	d.Changes = Adapt(e, hc)

	switch e.Kind {
	case KindNetwork:
		switch e.Subkind {
		case SubkindSSL:
			d.RootCause = "certificate verification or TLS handshake failed"
		case SubkindConnection:
			d.RootCause = "remote refused or reset the connection"
			d.Severity = "high"
		case SubkindTimeout:
			d.RootCause = "request timed out"
		case SubkindDNS:
			d.RootCause = "host name could not be resolved"
			d.Severity = "high"
		}
	case KindRemote:
		d.Subkind = "http_" + strconv.Itoa(e.Status)
		d.RootCause = http.StatusText(e.Status)
		switch {
		case e.Status >= 500:
			d.Severity = "high"
		case e.Status >= 400:
			d.Severity = "medium"
		default:
			d.Severity = "low"
		}
	case KindValidation:
		d.RootCause = e.Reason
		d.Severity = "low"
	default:
		d.RootCause = e.Error()
	}
	return d
}

func change(key, value string) domain.Change {
	return domain.Change{Key: key, Value: value}
}

func raiseTimeout(hc Context, floor time.Duration) domain.Change {
	t := hc.EffectiveTimeout()
	if t < floor {
		t = floor
	}
	return change(KeyTimeout, t.String())
}

// alternateTarget swaps a missing page for the site root, then /about and /contact.
func alternateTarget(hc Context) []domain.Change {
	candidates := hc.AlternateURLs
	if len(candidates) == 0 {
		u, err := url.Parse(hc.TargetURL)
		if err != nil || u.Host == "" {
			return nil
		}
		root := u.Scheme + "://" + u.Host
		candidates = []string{root, root + "/about", root + "/contact"}
	}

	var remaining []string
	for _, c := range candidates {
		if strings.TrimRight(c, "/") == strings.TrimRight(hc.TargetURL, "/") {
			continue
		}
		remaining = append(remaining, c)
	}
	if len(remaining) == 0 {
		return nil
	}
	return []domain.Change{
		change(KeyTargetURL, remaining[0]),
		change(KeyAlternateURLs, strings.Join(remaining[1:], ",")),
	}
}
