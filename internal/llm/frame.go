package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire contract of the upstream event stream. Must not change.
const (
	DataPrefix   = "data:"
	DoneSentinel = "[DONE]"
)

type FrameKind int

const (
	FrameSkip FrameKind = iota
	FrameDelta
	FrameDone
)

func (k FrameKind) String() string {
	switch k {
	case FrameDelta:
		return "delta"
	case FrameDone:
		return "done"
	default:
		return "skip"
	}
}

// Frame is the decoded form of one upstream stream line. Err is set only for
// skipped lines whose payload could not be decoded.
type Frame struct {
	Kind FrameKind
	Text string
	Err  error
}

// ParseFrame decodes a single line of the upstream event stream. It keeps no
// state between calls.
func ParseFrame(line string) Frame {
	if !strings.HasPrefix(line, DataPrefix) {
		return Frame{Kind: FrameSkip}
	}
	payload := strings.TrimSpace(line[len(DataPrefix):])
	if payload == DoneSentinel {
		return Frame{Kind: FrameDone}
	}
	if payload == "" {
		return Frame{Kind: FrameSkip}
	}

	var chunk chatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return Frame{Kind: FrameSkip, Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return Frame{Kind: FrameSkip}
	}
	return Frame{Kind: FrameDelta, Text: chunk.Choices[0].Delta.Content}
}
