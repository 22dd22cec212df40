// Package router implements the routing core: tag extraction and indexing,
// channel scoring, candidate discovery, the request-level selection cache,
// failure blacklisting, and the failover executor.
package router

import (
	"regexp"
	"sort"
	"strings"
)

const maxTagLen = 50

// tagSeparators is the character class model ids are split on.
var tagSeparators = regexp.MustCompile(`[:/@\-_,]`)

// paramSizeRe captures parameter-size fragments like "30b" or "1.5b".
// RE2 has no lookarounds, so the boundary characters are matched explicitly.
var paramSizeRe = regexp.MustCompile(`(^|[^a-z0-9])(\d+\.?\d*)[bm]($|[^a-z])`)

// contextSizeRe captures context-length fragments like "128k" or "32ktokens".
var contextSizeRe = regexp.MustCompile(`(^|[^a-z0-9])(\d+\.?\d*)[km](tokens?|tok|ctx|context|$|[^a-z0-9])`)

// keywordTags maps substrings of a model id to emitted capability tags.
var keywordTags = []struct {
	needles []string
	tag     string
}{
	{[]string{"vision", "visual"}, "vision"},
	{[]string{"code", "coding"}, "code"},
	{[]string{"instruct", "chat"}, "chat"},
}

// ExtractTags splits a model identifier into its searchable tag set.
// Tags are lowercase and deduplicated; the result is sorted for stability.
//
// Example: "qwen/qwen3-30b-a3b:free" -> [30b a3b chat? ...] minus keywords
// that don't apply -> {qwen, qwen3, 30b, a3b, free}.
func ExtractTags(modelID string) []string {
	id := strings.ToLower(modelID)
	set := map[string]struct{}{}

	for _, frag := range tagSeparators.Split(id, -1) {
		if frag == "" || len(frag) > maxTagLen {
			continue
		}
		set[frag] = struct{}{}
	}

	for _, m := range paramSizeRe.FindAllStringSubmatch(id, -1) {
		set[m[2]+"b"] = struct{}{}
	}

	for _, m := range contextSizeRe.FindAllStringSubmatch(id, -1) {
		set[m[2]+"k"] = struct{}{}
	}

	for _, kw := range keywordTags {
		for _, needle := range kw.needles {
			if strings.Contains(id, needle) {
				set[kw.tag] = struct{}{}

				break
			}
		}
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	return tags
}

// ParseTagExpression parses a request-side "tag:a,b,!c" selector into
// positive and negative tag lists. The input must already have the "tag:"
// prefix stripped.
func ParseTagExpression(expr string) (positive, negative []string) {
	for _, tok := range strings.Split(expr, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}

		if strings.HasPrefix(tok, "!") {
			if t := strings.TrimPrefix(tok, "!"); t != "" {
				negative = append(negative, t)
			}

			continue
		}

		positive = append(positive, tok)
	}

	return positive, negative
}
