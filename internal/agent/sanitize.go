package agent

import (
	"regexp"
	"strings"
)

// NoReplyToken lets the model decline to answer (group chats, cron
// status checks). Messages consisting of it are never delivered.
const NoReplyToken = "NO_REPLY"

var (
	thinkTagRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)
	routeTagRe = regexp.MustCompile(`(?s)<route>.*?</route>`)
)

// SanitizeAssistantContent cleans model output before it reaches the
// user: reasoning tags, routing directives and duplicated paragraphs
// are removed.
func SanitizeAssistantContent(content string) string {
	content = thinkTagRe.ReplaceAllString(content, "")
	content = StripRouteDirective(content)
	content = dropRepeatedBlocks(content)
	return strings.TrimSpace(content)
}

// StripRouteDirective removes <route>...</route> delivery hints that
// some prompts teach the model to emit for the scheduler.
func StripRouteDirective(content string) string {
	return routeTagRe.ReplaceAllString(content, "")
}

// ExtractRoute returns the first route directive's body, if present.
func ExtractRoute(content string) string {
	m := routeTagRe.FindString(content)
	if m == "" {
		return ""
	}
	m = strings.TrimPrefix(m, "<route>")
	m = strings.TrimSuffix(m, "</route>")
	return strings.TrimSpace(m)
}

// IsSilentReply reports whether the content is a deliberate non-answer.
func IsSilentReply(content string) bool {
	trimmed := strings.TrimSpace(content)
	return trimmed == "" || strings.EqualFold(trimmed, NoReplyToken)
}

// dropRepeatedBlocks removes consecutive duplicate paragraphs, a
// failure mode of some models under long tool loops.
func dropRepeatedBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) < 2 {
		return content
	}

	out := blocks[:1]
	for _, b := range blocks[1:] {
		if strings.TrimSpace(b) != "" && strings.TrimSpace(b) == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, b)
	}
	return strings.Join(out, "\n\n")
}
