package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// PreprocessContext strips markup from the free-text hint and collapses
// whitespace runs. An empty result is valid: the model then works from the
// image alone.
func PreprocessContext(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("%w: context text is not valid UTF-8", ErrInvalidInput)
	}
	text := stripHTML(raw)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " ")), nil
}

// stripHTML walks the token stream and keeps only text nodes, skipping
// script and style contents entirely.
func stripHTML(raw string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(raw))
	var sb strings.Builder
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(tokenizer.Text())
				sb.WriteByte(' ')
			}
		}
	}
}
