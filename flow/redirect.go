package flow

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// RedirectPolicy decides whether a caller supplied redirect target may be used and
// which profile fields may travel in it.
type RedirectPolicy struct {
	origins       map[string]struct{}
	profileFields []string
	log           zerolog.Logger
}

func NewRedirectPolicy(pageOrigin string, partnerOrigins []string, profileFields []string, log zerolog.Logger) (*RedirectPolicy, error) {
	p := &RedirectPolicy{
		origins:       make(map[string]struct{}),
		profileFields: profileFields,
		log:           log,
	}
	for _, raw := range append([]string{pageOrigin}, partnerOrigins...) {
		origin, err := originOf(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed origin %q: %w", raw, err)
		}
		p.origins[origin] = struct{}{}
	}
	return p, nil
}

// Allowed reports whether target parses as an absolute URL whose origin exactly
// matches one of the allowed origins. Rejections are logged, never surfaced.
func (p *RedirectPolicy) Allowed(target string) bool {
	if target == "" {
		return false
	}
	origin, err := originOf(target)
	if err != nil {
		p.log.Warn().Err(err).Str("target", target).Msg("rejected malformed redirect target")
		return false
	}
	if _, ok := p.origins[origin]; !ok {
		p.log.Warn().Str("target", target).Str("origin", origin).Msg("rejected redirect target outside allowed origins")
		return false
	}
	return true
}

// Build augments target with the authentication outcome. Only allow-listed
// profile fields are forwarded; the profile parameter is omitted when none remain.
func (p *RedirectPolicy) Build(target string, walletAddress string, profile map[string]any) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}

	filtered := make(map[string]any)
	for _, field := range p.profileFields {
		if v, ok := profile[field]; ok {
			filtered[field] = v
		}
	}

	q := u.Query()
	q.Del("authenticate")
	q.Del("walletAddress")
	q.Del("profile")
	extra := "authenticate=true&walletAddress=" + url.QueryEscape(walletAddress)
	if len(filtered) > 0 {
		b, err := json.Marshal(filtered)
		if err != nil {
			return "", fmt.Errorf("marshal profile: %w", err)
		}
		extra += "&profile=" + url.QueryEscape(string(b))
	}
	if existing := q.Encode(); existing != "" {
		u.RawQuery = existing + "&" + extra
	} else {
		u.RawQuery = extra
	}
	return u.String(), nil
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	if u.User != nil {
		return "", fmt.Errorf("userinfo is not allowed")
	}
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}
