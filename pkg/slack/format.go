package slack

import (
	"regexp"
	"strings"
)

// MaxMessageLength is the per-message size limit applied before splitting.
const MaxMessageLength = 4000

// conversionRule rewrites one generic-markdown construct into mrkdwn.
type conversionRule struct {
	pattern *regexp.Regexp
	replace string
}

// boldMarker protects converted bold spans from the italic rule, which would
// otherwise re-match the single asterisks it produces.
const boldMarker = "\x01"

// conversionRules is the fixed mapping table from generic rich-text markup
// to Slack mrkdwn. Rules apply in order, outside fenced code blocks only.
var conversionRules = []conversionRule{
	{regexp.MustCompile(`\*\*(.+?)\*\*`), boldMarker + "$1" + boldMarker},
	{regexp.MustCompile(`__(.+?)__`), boldMarker + "$1" + boldMarker},
	{regexp.MustCompile(`~~(.+?)~~`), "~$1~"},
	{regexp.MustCompile(`\*([^*\s][^*]*?)\*`), "_${1}_"},
	{regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`), "<$2|$1>"},
}

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

// Render converts generic markdown into Slack's mrkdwn dialect. Fenced code
// blocks pass through untouched.
func Render(text string) string {
	lines := strings.Split(text, "\n")
	rendered := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		if isFenceDelimiter(line) {
			inFence = !inFence
			rendered = append(rendered, line)
			continue
		}
		if inFence {
			rendered = append(rendered, line)
			continue
		}

		rendered = append(rendered, renderLine(line))
	}

	return strings.Join(rendered, "\n")
}

func renderLine(line string) string {
	if match := headingPattern.FindStringSubmatch(line); match != nil {
		// Slack has no headings; render them as bold lines.
		line = boldMarker + strings.TrimSpace(match[2]) + boldMarker
	}

	for _, rule := range conversionRules {
		line = rule.pattern.ReplaceAllString(line, rule.replace)
	}

	return strings.ReplaceAll(line, boldMarker, "*")
}

func isFenceDelimiter(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "```")
}

// Split breaks rendered text into messages no longer than limit, cutting at
// the nearest preceding paragraph or line boundary. A fenced code block is
// atomic: it is never cut, and a block that alone exceeds the limit is
// emitted as its own oversized message rather than corrupted.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if len(text) <= limit {
		return []string{text}
	}

	units := atomicUnits(text)

	var chunks []string
	var current strings.Builder
	for _, unit := range units {
		if current.Len() == 0 {
			if len(unit) > limit {
				chunks = append(chunks, unit)
				continue
			}
			current.WriteString(unit)
			continue
		}

		if current.Len()+1+len(unit) > limit {
			chunks = append(chunks, current.String())
			current.Reset()
			if len(unit) > limit {
				chunks = append(chunks, unit)
				continue
			}
		} else {
			current.WriteString("\n")
		}
		current.WriteString(unit)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

// atomicUnits groups lines into indivisible pieces: whole fenced code blocks
// and individual lines. Blank lines survive as empty units so paragraph
// boundaries stay preferred cut points.
func atomicUnits(text string) []string {
	lines := strings.Split(text, "\n")

	var units []string
	var fence []string
	inFence := false

	for _, line := range lines {
		if isFenceDelimiter(line) {
			if inFence {
				fence = append(fence, line)
				units = append(units, strings.Join(fence, "\n"))
				fence = nil
				inFence = false
			} else {
				inFence = true
				fence = []string{line}
			}
			continue
		}

		if inFence {
			fence = append(fence, line)
			continue
		}

		units = append(units, line)
	}

	// An unterminated fence is flushed as one unit rather than dropped.
	if len(fence) > 0 {
		units = append(units, strings.Join(fence, "\n"))
	}

	return units
}
