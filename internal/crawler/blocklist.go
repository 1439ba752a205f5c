package crawler

import "strings"

// domainPatternBlocklist matches hosts against exact names and suffix
// wildcards ("*.example.com" or ".example.com").
type domainPatternBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newDomainPatternBlocklist returns nil when no usable pattern is given; a nil
// blocklist blocks nothing.
func newDomainPatternBlocklist(patterns []string) *domainPatternBlocklist {
	b := &domainPatternBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		suffix, isSuffix := strings.CutPrefix(value, "*.")
		if !isSuffix {
			suffix, isSuffix = strings.CutPrefix(value, ".")
		}
		switch {
		case value == "":
		case isSuffix && suffix != "":
			b.addSuffix(suffix)
		case !isSuffix:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *domainPatternBlocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host equals a blocked name or sits under a
// blocked suffix.
func (b *domainPatternBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
