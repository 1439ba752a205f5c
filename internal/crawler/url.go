package crawler

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/publicsuffix"
)

var (
	excludedExtensions = regexp.MustCompile(`\.(jpg|jpeg|png|gif|pdf|zip|doc|docx|xml|txt)$`)
	excludedSegments   = regexp.MustCompile(`/(sitemap|feed|rss|atom|api|admin|login|wp-content|tag|category|author|search)/`)
)

// NormalizeURL derives the deduplication key for a URL: lower-cased, https,
// without query or fragment, and without a trailing slash unless the path is
// the root. Unparsable input degrades to the lower-cased string with trailing
// slashes removed, so the result is not guaranteed to be dereferenceable.
func NormalizeURL(rawURL string) string {
	lowered := strings.ToLower(strings.TrimSpace(rawURL))
	u, err := url.Parse(lowered)
	if err != nil || u.Host == "" {
		return strings.TrimRightFunc(lowered, func(r rune) bool {
			return r == '/' || unicode.IsSpace(r)
		})
	}
	u.Scheme = "https"
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	// Escapes in the path decode to characters that may be upper case.
	return strings.ToLower(u.String())
}

// Validity is the tri-state result of URL validation.
type Validity int

// Validation results. Unknown means the scheme or domain could not be parsed.
const (
	Unknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Validator rejects URLs that cannot be recipe pages.
type Validator struct {
	blocked *domainPatternBlocklist
}

// NewValidator builds a Validator. denyDomains accepts exact hosts and
// "*.example.com" suffix patterns.
func NewValidator(denyDomains []string) *Validator {
	return &Validator{blocked: newDomainPatternBlocklist(denyDomains)}
}

// Validate classifies rawURL and returns a short reason for rejections.
func (v *Validator) Validate(rawURL string) (Validity, string) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Unknown, "unparsable url"
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" || u.Host == "" {
		return Unknown, "missing scheme or host"
	}
	if scheme != "http" && scheme != "https" {
		return Invalid, "unsupported scheme " + scheme
	}
	host := strings.ToLower(u.Hostname())
	if !hasRegistrableDomain(host) {
		return Invalid, "no domain suffix"
	}
	if v != nil && v.blocked.IsBlocked(host) {
		return Invalid, "blocked domain"
	}
	path := strings.ToLower(u.Path)
	if excludedExtensions.MatchString(path) {
		return Invalid, "excluded extension"
	}
	if excludedSegments.MatchString(path) {
		return Invalid, "excluded path"
	}
	return Valid, ""
}

// IsValid treats Unknown as a rejection.
func (v *Validator) IsValid(rawURL string) bool {
	result, _ := v.Validate(rawURL)
	return result == Valid
}

// hasRegistrableDomain requires a label in front of an ICANN or private
// public suffix, e.g. "example.com" but not "localhost" or "co.uk".
func hasRegistrableDomain(host string) bool {
	if host == "" || !strings.Contains(host, ".") {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	if suffix == host {
		return false
	}
	if !icann && !strings.Contains(suffix, ".") {
		// Unlisted TLDs fall through the default "*" rule.
		return false
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(host)
	return err == nil
}
