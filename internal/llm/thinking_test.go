package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThinkingBlockParser_S3InlineThinking(t *testing.T) {
	p := NewThinkingBlockParser()

	var content, reasoning string
	for _, chunk := range []string{"A<thi", "nk>B</thi", "nk>C"} {
		c, r := p.Feed(chunk)
		content += c
		reasoning += r
	}

	assert.Equal(t, "AC", content)
	assert.Equal(t, "B", reasoning)
}

func TestThinkingBlockParser_NoTags(t *testing.T) {
	p := NewThinkingBlockParser()
	content, reasoning := p.Feed("just plain text")
	assert.Equal(t, "just plain text", content)
	assert.Empty(t, reasoning)
}

func TestThinkingBlockParser_TagSplitAcrossEveryBoundary(t *testing.T) {
	whole := "before<think>hidden</think>after"

	// Feed the whole thing in one shot as the baseline.
	base := NewThinkingBlockParser()
	wantContent, wantReasoning := base.Feed(whole)

	for split := 1; split < len(whole); split++ {
		p := NewThinkingBlockParser()
		c1, r1 := p.Feed(whole[:split])
		c2, r2 := p.Feed(whole[split:])
		assert.Equal(t, wantContent, c1+c2, "split at %d", split)
		assert.Equal(t, wantReasoning, r1+r2, "split at %d", split)
	}
}

func TestThinkingBlockParser_ByteAtATime(t *testing.T) {
	whole := "x<think>y</think>z<think>w</think>v"
	p := NewThinkingBlockParser()
	var content, reasoning string
	for i := 0; i < len(whole); i++ {
		c, r := p.Feed(string(whole[i]))
		content += c
		reasoning += r
	}
	assert.Equal(t, "xzv", content)
	assert.Equal(t, "yw", reasoning)
}

func TestMaxPartialSuffix(t *testing.T) {
	assert.Equal(t, 0, maxPartialSuffix("hello", "<think>"))
	assert.Equal(t, 2, maxPartialSuffix("hello<t", "<think>"))
	assert.Equal(t, len("<think"), maxPartialSuffix("hello<think", "<think>"))
}

func TestCumulativeDelta(t *testing.T) {
	assert.Equal(t, "lo", cumulativeDelta("Hel", "Hello"))
	assert.Equal(t, "", cumulativeDelta("Hello", "Hello"))
	// Non-prefix case: treat the whole new content as an append delta.
	assert.Equal(t, "bye", cumulativeDelta("Hello", "bye"))
}
