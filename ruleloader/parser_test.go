package ruleloader

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/dohfwd/router"
)

func TestParseV2RayFull(t *testing.T) {
	rules, err := ParseV2Ray(strings.NewReader("full:Example.COM.\n"), nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, router.TierExact, rules[0].Tier)
	assert.Equal(t, "example.com", rules[0].Pattern)
}

func TestParseV2RayDomainExpandsToTwoRules(t *testing.T) {
	rules, err := ParseV2Ray(strings.NewReader("domain:example.com\n"), nil)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, router.TierExact, rules[0].Tier)
	assert.Equal(t, "example.com", rules[0].Pattern)
	assert.Equal(t, router.TierWildcard, rules[1].Tier)
	assert.Equal(t, "*.example.com", rules[1].Pattern)
}

func TestParseV2RayKeyword(t *testing.T) {
	rules, err := ParseV2Ray(strings.NewReader("keyword:ads\n"), nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, router.TierRegex, rules[0].Tier)
	require.NotNil(t, rules[0].Regex)
	assert.True(t, rules[0].Regex.MatchString("trackads.example.com"))
}

func TestParseV2RayRegexp(t *testing.T) {
	rules, err := ParseV2Ray(strings.NewReader(`regexp:^ads\d+\.`+"\n"), nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, router.TierRegex, rules[0].Tier)
	assert.True(t, rules[0].Regex.MatchString("ads42.example.com"))
}

func TestParseV2RayGlobalWildcard(t *testing.T) {
	rules, err := ParseV2Ray(strings.NewReader("*\n"), nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, router.TierGlobalWildcard, rules[0].Tier)
}

func TestParseV2RaySkipsCommentsAndBlankLines(t *testing.T) {
	rules, err := ParseV2Ray(strings.NewReader("# comment\n\nfull:example.com\n"), nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestParseV2RaySkipsUnrecognizedLinesAndWarns(t *testing.T) {
	var warned []string
	input := "full:good.example.com\nexample.com\ninvalid:prefix\nfull:also-good.example.com\n"

	rules, err := ParseV2Ray(strings.NewReader(input), func(lineNo int, line string) {
		warned = append(warned, line)
	})
	require.NoError(t, err)

	// The whole feed must not abort on bad lines: both good lines survive.
	require.Len(t, rules, 2)
	assert.Equal(t, "good.example.com", rules[0].Pattern)
	assert.Equal(t, "also-good.example.com", rules[1].Pattern)

	require.Len(t, warned, 2)
	assert.Contains(t, warned, "example.com")
	assert.Contains(t, warned, "invalid:prefix")
}

func TestParseV2RaySkipsEmptyPayloadPrefixedLine(t *testing.T) {
	var warned []string
	rules, err := ParseV2Ray(strings.NewReader("full:\n"), func(lineNo int, line string) {
		warned = append(warned, line)
	})
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Len(t, warned, 1)
}

func TestParseV2RaySkipsInvalidRegexpPayload(t *testing.T) {
	var warned []string
	rules, err := ParseV2Ray(strings.NewReader("regexp:(unclosed\n"), func(lineNo int, line string) {
		warned = append(warned, line)
	})
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Len(t, warned, 1)
}
