package llm

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// thinkState is the two-state machine driving ThinkingBlockParser.
type thinkState int

const (
	stateOutside thinkState = iota
	stateInside
)

// ThinkingBlockParser incrementally splits a content-delta stream that
// interleaves <think>...</think> reasoning into separate content and
// reasoning channels. Feed it chunks in arrival order; each call returns
// the content and reasoning bytes decoded from that chunk alone.
//
// Partial tags split across chunk boundaries are retained internally: up
// to len(openTag)-1 bytes while OUTSIDE, up to len(closeTag)-1 bytes
// while INSIDE. This makes the parser's output independent of how the
// input happened to be chunked.
type ThinkingBlockParser struct {
	state   thinkState
	pending string // bytes held back because they might be a partial tag
}

// NewThinkingBlockParser returns a parser starting in the OUTSIDE state.
func NewThinkingBlockParser() *ThinkingBlockParser {
	return &ThinkingBlockParser{state: stateOutside}
}

// Feed processes one chunk of raw content and returns the content and
// reasoning_content bytes it yields.
func (p *ThinkingBlockParser) Feed(chunk string) (content, reasoning string) {
	buf := p.pending + chunk
	p.pending = ""

	var contentOut, reasoningOut strings.Builder

	for buf != "" {
		switch p.state {
		case stateOutside:
			idx := strings.Index(buf, openTag)
			if idx == -1 {
				hold := maxPartialSuffix(buf, openTag)
				contentOut.WriteString(buf[:len(buf)-hold])
				p.pending = buf[len(buf)-hold:]
				buf = ""
				continue
			}
			contentOut.WriteString(buf[:idx])
			buf = buf[idx+len(openTag):]
			p.state = stateInside

		case stateInside:
			idx := strings.Index(buf, closeTag)
			if idx == -1 {
				hold := maxPartialSuffix(buf, closeTag)
				reasoningOut.WriteString(buf[:len(buf)-hold])
				p.pending = buf[len(buf)-hold:]
				buf = ""
				continue
			}
			reasoningOut.WriteString(buf[:idx])
			buf = buf[idx+len(closeTag):]
			p.state = stateOutside
		}
	}
	return contentOut.String(), reasoningOut.String()
}

// maxPartialSuffix returns the length of the longest suffix of buf that
// could be the start of tag, and so must be held back rather than
// emitted in case the rest of the tag arrives in the next chunk.
func maxPartialSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, buf[len(buf)-n:]) {
			return n
		}
	}
	return 0
}

// cumulativeDelta implements the cumulative-vs-append content detection
// some Qwen deployments require: if newContent starts with prior, the
// delta is the suffix; otherwise the whole newContent is the delta
// (append semantics).
func cumulativeDelta(prior, newContent string) string {
	if prior != "" && strings.HasPrefix(newContent, prior) {
		return newContent[len(prior):]
	}
	return newContent
}
