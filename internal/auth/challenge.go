package auth

import (
	"strings"

	"github.com/ocidist/ocidist/internal/scope"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// Challenge is a parsed WWW-Authenticate header:
// "Bearer realm="…",service="…",scope="…"[,error="…"]" or a Basic
// challenge with no further parameters of interest here.
type Challenge struct {
	Scheme  string
	Realm   string
	Service string
	Scope   []scope.Scope
	Error   string
}

// ParseChallenge parses a single WWW-Authenticate header value. A Bearer
// challenge missing realm is rejected.
func ParseChallenge(header string) (Challenge, error) {
	header = strings.TrimSpace(header)
	idx := strings.IndexByte(header, ' ')
	if idx < 0 {
		return Challenge{Scheme: header}, nil
	}
	scheme := header[:idx]
	params := splitParams(header[idx+1:])

	c := Challenge{
		Scheme:  scheme,
		Realm:   params["realm"],
		Service: params["service"],
		Error:   params["error"],
	}
	if strings.EqualFold(scheme, "Bearer") {
		if c.Realm == "" {
			return Challenge{}, ocierrors.Auth("WWW-Authenticate Bearer challenge missing realm").WithSentinel(ocierrors.ErrInvalidChallenge)
		}
		if s, ok := params["scope"]; ok {
			c.Scope = scope.ParseQuery(s)
		}
	}
	return c, nil
}

// splitParams parses a comma-separated, possibly-quoted key=value list,
// tolerating commas inside quoted values (a scope value is itself a
// comma-separated action list, e.g. scope="repository:x:pull,push").
func splitParams(s string) map[string]string {
	params := make(map[string]string)
	i, n := 0, len(s)
	for i < n {
		for i < n && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i >= n {
			break
		}
		keyStart := i
		for i < n && s[i] != '=' {
			i++
		}
		key := strings.TrimSpace(s[keyStart:i])
		i++ // skip '='

		var val string
		if i < n && s[i] == '"' {
			i++
			valStart := i
			for i < n && s[i] != '"' {
				i++
			}
			val = s[valStart:i]
			i++ // skip closing quote
		} else {
			valStart := i
			for i < n && s[i] != ',' {
				i++
			}
			val = strings.TrimSpace(s[valStart:i])
		}
		if key != "" {
			params[key] = val
		}
	}
	return params
}
