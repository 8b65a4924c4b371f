package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// Prompt division. SUBTASKS mode tries three heuristics in order: explicit
// list items, an extraction verb over an enumeration, then independent task
// sentences. CONTEXT mode slices the prompt into overlapping token windows.
var (
	listItemPattern = regexp.MustCompile(`(?m)^[ \t]*(?:\d+[.)]|[a-zA-Z][.)]|[-*•])[ \t]+(.+)$`)

	extractPattern = regexp.MustCompile(`(?i)\b(extract|analyze|identify|find|get|list|describe)\s+(?:the\s+)?(.+?)(?:\.|$)`)

	// Enumeration separators: commas and the conjunctions "and"/"y".
	itemSplitPattern = regexp.MustCompile(`,\s*(?:(?:and|y)\s+)?|\s+(?:and|y)\s+`)

	taskSentencePattern = regexp.MustCompile(`(?i)\b(?:analyze|extract|identify|find|list|describe|explain|compare|summarize|evaluate|calculate|determine|what|how|why|should|must)\b`)

	instructionPattern = regexp.MustCompile(`(?is)^(.{0,200}?(?:analyze|process|review|examine)[^:\n]{0,100}:)`)
)

// divideSubtasks splits a prompt into independently dispatchable subtask
// prompts, capped at max. A prompt with no divisible structure comes back as
// a single subtask.
func divideSubtasks(prompt string, max int) []string {
	if max < 1 {
		max = 1
	}

	if out := divideByList(prompt, max); out != nil {
		return out
	}
	if out := divideByExtraction(prompt, max); out != nil {
		return out
	}
	if out := divideBySentences(prompt, max); out != nil {
		return out
	}
	return []string{prompt}
}

// divideByList splits on enumerated or bulleted items. The text before the
// first item is carried into every subtask as shared context.
func divideByList(prompt string, max int) []string {
	matches := listItemPattern.FindAllStringSubmatchIndex(prompt, -1)
	if len(matches) < 2 {
		return nil
	}

	base := strings.TrimSpace(prompt[:matches[0][0]])
	var out []string
	for _, m := range matches {
		if len(out) == max {
			break
		}
		item := strings.TrimSpace(prompt[m[2]:m[3]])
		if item == "" {
			continue
		}
		if base != "" {
			out = append(out, base+"\n\nTask: "+item)
		} else {
			out = append(out, "Task: "+item)
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

// divideByExtraction splits "extract A, B and C" style prompts into one
// subtask per enumerated item, each keeping the verb.
func divideByExtraction(prompt string, max int) []string {
	m := extractPattern.FindStringSubmatch(prompt)
	if m == nil {
		return nil
	}

	verb := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
	var out []string
	for _, item := range itemSplitPattern.Split(m[2], -1) {
		if len(out) == max {
			break
		}
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s %s", verb, item))
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

// divideBySentences keeps the sentences that read like standalone work
// items.
func divideBySentences(prompt string, max int) []string {
	var out []string
	for _, sentence := range splitSentences(prompt) {
		if len(out) == max {
			break
		}
		if taskSentencePattern.MatchString(sentence) {
			out = append(out, sentence)
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

// splitSentences breaks text after sentence punctuation followed by
// whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t') {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// contextWindows slices a long prompt into overlapping token windows, each
// labelled with its section number and prefixed with the prompt's own
// instruction when one can be found. A prompt that fits in one window comes
// back whole.
func contextWindows(prompt string, window, overlap, max int) []string {
	tokens := strings.Fields(prompt)
	if window < 1 || len(tokens) <= window {
		return []string{prompt}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= window {
		overlap = window / 2
	}
	if max < 1 {
		max = 1
	}

	// Grow the window when the prompt would otherwise need more sections
	// than the task allows.
	needed := windowCount(len(tokens), window, overlap)
	if needed > max {
		window = ceilDiv(len(tokens)+(max-1)*overlap, max)
	}

	instruction := "Analyze the following section:"
	if m := instructionPattern.FindStringSubmatch(prompt); m != nil {
		instruction = strings.TrimSpace(m[1])
	}

	step := window - overlap
	var out []string
	for start := 0; start < len(tokens); start += step {
		end := start + window
		if end > len(tokens) {
			end = len(tokens)
		}
		section := strings.Join(tokens[start:end], " ")
		out = append(out, fmt.Sprintf("%s\n\n[Section %d]\n%s", instruction, len(out)+1, section))
		if end == len(tokens) {
			break
		}
	}
	return out
}

func windowCount(n, window, overlap int) int {
	if n <= window {
		return 1
	}
	return ceilDiv(n-window, window-overlap) + 1
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
