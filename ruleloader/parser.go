// Package ruleloader parses v2ray-format domain lists and periodically
// refreshes remote rule feeds, rebuilding the router's snapshot on success.
package ruleloader

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/semihalev/dohfwd/router"
)

// ParsedRule is one line decoded from a v2ray rule file, not yet bound to an
// action/target (the loader attaches those from the feed's configuration).
type ParsedRule struct {
	Tier    router.Tier
	Pattern string
	Regex   *regexp.Regexp
}

// ParseV2Ray reads a v2ray domain-list file and returns the rules it
// describes. Recognized line forms:
//
//	full:example.com      exact match
//	domain:example.com    apex and all subdomains (expands to two rules)
//	keyword:ads           regex match on substring-in-a-label
//	regexp:^ads\d+\.      regex match, pattern used verbatim
//	*                     global wildcard
//	# comment / blank      ignored
//
// Any other line, an unrecognized prefix or one of the four recognized
// prefixes with an invalid payload, is skipped and reported through
// onWarning rather than failing the whole feed.
func ParseV2Ray(r io.Reader, onWarning func(lineNo int, line string)) ([]ParsedRule, error) {
	var rules []ParsedRule

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rule, ok := parseLine(line)
		if !ok {
			if onWarning != nil {
				onWarning(lineNo, line)
			}
			continue
		}
		rules = append(rules, rule...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ruleloader: scan failed: %w", err)
	}

	return rules, nil
}

func parseLine(line string) ([]ParsedRule, bool) {
	switch {
	case strings.HasPrefix(line, "full:"):
		domain := canonical(strings.TrimPrefix(line, "full:"))
		if domain == "" {
			return nil, false
		}
		return []ParsedRule{{Tier: router.TierExact, Pattern: domain}}, true

	case strings.HasPrefix(line, "domain:"):
		domain := canonical(strings.TrimPrefix(line, "domain:"))
		if domain == "" {
			return nil, false
		}
		return []ParsedRule{
			{Tier: router.TierExact, Pattern: domain},
			{Tier: router.TierWildcard, Pattern: "*." + domain},
		}, true

	case strings.HasPrefix(line, "keyword:"):
		kw := strings.TrimPrefix(line, "keyword:")
		if kw == "" {
			return nil, false
		}
		re := regexp.MustCompile(regexp.QuoteMeta(kw))
		return []ParsedRule{{Tier: router.TierRegex, Pattern: re.String(), Regex: re}}, true

	case strings.HasPrefix(line, "regexp:"):
		pattern := strings.TrimPrefix(line, "regexp:")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, false
		}
		return []ParsedRule{{Tier: router.TierRegex, Pattern: pattern, Regex: re}}, true

	case line == "*":
		return []ParsedRule{{Tier: router.TierGlobalWildcard, Pattern: "*"}}, true

	default:
		// Unknown prefix (or a bare domain with none of the four
		// recognized forms): skipped and counted, not guessed at.
		return nil, false
	}
}

func canonical(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
