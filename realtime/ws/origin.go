package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NewOriginChecker builds the CheckOrigin hook for the event-stream
// upgrader. An allow-list entry can be a full origin ("https://dash.local"),
// a hostname (any port), a host:port, a "*.example.com" wildcard (subdomains
// only), or a literal non-standard value such as "null". Hostname matching
// is case-insensitive. Requests without an Origin header pass only when
// allowNoOrigin is set.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	rules := make([]originRule, 0, len(allowed))
	for _, e := range allowed {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		rules = append(rules, parseOriginRule(e))
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return allowNoOrigin
		}
		return originAllowed(rules, origin)
	}
}

type originKind int

const (
	originExact    originKind = iota // full origin, or a literal value like "null"
	originHost                       // hostname, any port
	originHostPort                   // hostname plus a required port
	originWildcard                   // subdomains of a base hostname
)

type originRule struct {
	kind  originKind
	value string
}

func parseOriginRule(entry string) originRule {
	if strings.Contains(entry, "://") {
		return originRule{kind: originExact, value: entry}
	}
	if base, ok := strings.CutPrefix(entry, "*."); ok {
		return originRule{kind: originWildcard, value: strings.ToLower(base)}
	}
	if _, _, err := net.SplitHostPort(entry); err == nil {
		return originRule{kind: originHostPort, value: strings.ToLower(entry)}
	}
	return originRule{kind: originHost, value: strings.ToLower(entry)}
}

func originAllowed(rules []originRule, origin string) bool {
	var host, hostname string
	if u, err := url.Parse(origin); err == nil {
		host = strings.ToLower(u.Host)
		hostname = strings.ToLower(u.Hostname())
	}
	for _, rule := range rules {
		switch rule.kind {
		case originExact:
			if origin == rule.value {
				return true
			}
		case originWildcard:
			if hostname != "" && strings.HasSuffix(hostname, "."+rule.value) {
				return true
			}
		case originHostPort:
			if host != "" && host == rule.value {
				return true
			}
		case originHost:
			if hostname != "" && hostname == rule.value {
				return true
			}
			// Non-standard Origin values ("null") have no parseable
			// hostname; compare the raw header.
			if origin == rule.value {
				return true
			}
		}
	}
	return false
}
