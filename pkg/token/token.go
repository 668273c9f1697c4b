// Package token implements the opaque field encoding shared by the relay and
// the output pipelines that consume relay results.
//
// A token has the form §b64:<payload>§ where payload is the standard base64
// encoding of the original UTF-8 text. The relay produces tokens for every
// unstructured field of a provider's output; consumers call Decode only at
// the last step before content is shown to a human.
package token

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// Open is the opening delimiter including the scheme tag.
	Open = "§b64:"
	// Close is the closing delimiter.
	Close = "§"
)

var pattern = regexp.MustCompile(`§b64:([A-Za-z0-9+/=]+)§`)

// Encode wraps s in a token. The empty string has no payload to carry and is
// returned unchanged.
func Encode(s string) string {
	if s == "" {
		return ""
	}
	return Open + base64.StdEncoding.EncodeToString([]byte(s)) + Close
}

// HasTokens reports whether text contains at least one well-formed token.
func HasTokens(text string) bool {
	if !strings.Contains(text, Open) {
		return false
	}
	return pattern.MatchString(text)
}

// Decode replaces every token in text with its decoded content. Matching is
// single-pass, leftmost-first and non-overlapping. A token whose payload is
// not valid base64, or does not decode to valid UTF-8, is left as is.
func Decode(text string) string {
	if !HasTokens(text) {
		return text
	}
	return pattern.ReplaceAllStringFunc(text, decodeOne)
}

func decodeOne(match string) string {
	payload := match[len(Open) : len(match)-len(Close)]
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || !utf8.Valid(raw) {
		return match
	}
	return string(raw)
}
