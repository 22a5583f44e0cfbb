package agent

import (
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans assistant text before it is persisted
// and delivered: reasoning tags, wrapper tags, and duplicated blocks
// that some models leak into their visible output.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	content = stripThinkingTags(content)
	content = stripFinalTags(content)
	content = collapseConsecutiveDuplicateBlocks(content)
	return strings.TrimSpace(content)
}

// Go regexp has no backreferences, so each tag gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// stripFinalTags removes <final> wrapper tags, keeping the content.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// collapseConsecutiveDuplicateBlocks drops a paragraph block when it
// repeats the previous one verbatim.
func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}

// SilentReplyToken is the marker an agent uses to deliberately send
// nothing back to the channel.
const SilentReplyToken = "NO_REPLY"

// IsSilentReply reports whether text is, starts with, or ends with the
// silent-reply token as a standalone word.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == SilentReplyToken {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, SilentReplyToken); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, SilentReplyToken); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
