package proxy

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/relaycore/relayd/internal/model"
)

// frameSeparator delimits SSE frames. Upstreams emit \n\n; \r\n\r\n shows
// up behind some proxies.
var (
	frameSeparator   = []byte("\n\n")
	frameSeparatorCR = []byte("\r\n\r\n")
	doneMarker       = "[DONE]"
)

// UsageExtractor accumulates token usage from a streamed response as the
// bytes pass through to the client. Feed never blocks the relay path; a
// malformed frame is skipped, not fatal.
type UsageExtractor struct {
	buf   bytes.Buffer
	usage model.Usage
	seen  bool
}

func NewUsageExtractor() *UsageExtractor {
	return &UsageExtractor{}
}

// Feed consumes the next chunk of the response body. Complete frames are
// parsed immediately; a trailing partial frame stays buffered for the
// next chunk.
func (e *UsageExtractor) Feed(p []byte) {
	e.buf.Write(p)
	for {
		data := e.buf.Bytes()
		idx, sepLen := nextSeparator(data)
		if idx < 0 {
			return
		}
		frame := make([]byte, idx)
		copy(frame, data[:idx])
		e.buf.Next(idx + sepLen)
		e.parseFrame(frame)
	}
}

// Finish parses whatever remains buffered at EOF and returns the
// extracted usage. The boolean is false when no usage frame was seen.
func (e *UsageExtractor) Finish() (model.Usage, bool) {
	if e.buf.Len() > 0 {
		frame := e.buf.Bytes()
		e.buf = bytes.Buffer{}
		e.parseFrame(frame)
	}
	return e.usage, e.seen
}

func nextSeparator(data []byte) (idx, sepLen int) {
	i := bytes.Index(data, frameSeparator)
	j := bytes.Index(data, frameSeparatorCR)
	switch {
	case i < 0 && j < 0:
		return -1, 0
	case j < 0 || (i >= 0 && i < j):
		return i, len(frameSeparator)
	default:
		return j, len(frameSeparatorCR)
	}
}

// parseFrame extracts the data payload of one SSE frame and folds any
// usage it carries into the running totals.
func (e *UsageExtractor) parseFrame(frame []byte) {
	var payload strings.Builder
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload.Write(bytes.TrimSpace(line[len("data:"):]))
	}
	data := payload.String()
	if data == "" || data == doneMarker {
		return
	}
	e.parseEvent([]byte(data))
}

// Wire shapes for the event payloads that carry usage. Anthropic sends
// input counts on message_start and output counts on message_delta;
// OpenAI chunks carry a single usage object on the final chunk.
type wireUsage struct {
	InputTokens       int64  `json:"input_tokens"`
	OutputTokens      int64  `json:"output_tokens"`
	CacheCreateTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadTokens   int64  `json:"cache_read_input_tokens"`
	Speed             string `json:"speed"`
	ServiceTier       string `json:"service_tier"`

	CacheCreation *struct {
		Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`

	// OpenAI naming.
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	PromptDetails    *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type wireEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *wireUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *wireUsage `json:"usage"`
}

func (e *UsageExtractor) parseEvent(data []byte) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	if ev.Message != nil && ev.Message.Usage != nil {
		e.apply(ev.Message.Usage)
	}
	if ev.Usage != nil {
		e.apply(ev.Usage)
	}
	if ev.Delta != nil && ev.Delta.StopReason != "" {
		e.usage.StopReason = ev.Delta.StopReason
	}
}

// apply folds a usage object into the totals. Later frames overwrite
// earlier ones per field, so the final message_delta wins on output.
func (e *UsageExtractor) apply(u *wireUsage) {
	e.seen = true
	if u.InputTokens > 0 {
		e.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		e.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheCreateTokens > 0 {
		e.usage.CacheCreateTokens = u.CacheCreateTokens
	}
	if u.CacheReadTokens > 0 {
		e.usage.CacheReadTokens = u.CacheReadTokens
	}
	if u.CacheCreation != nil {
		e.usage.Ephemeral5mTokens = u.CacheCreation.Ephemeral5m
		e.usage.Ephemeral1hTokens = u.CacheCreation.Ephemeral1h
	}
	if u.Speed != "" {
		e.usage.Speed = u.Speed
	} else if u.ServiceTier != "" {
		e.usage.Speed = u.ServiceTier
	}

	if u.PromptTokens > 0 {
		e.usage.InputTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		e.usage.OutputTokens = u.CompletionTokens
	}
	if u.PromptDetails != nil && u.PromptDetails.CachedTokens > 0 {
		e.usage.CacheReadTokens = u.PromptDetails.CachedTokens
		if e.usage.InputTokens >= u.PromptDetails.CachedTokens {
			e.usage.InputTokens -= u.PromptDetails.CachedTokens
		}
	}
}

// ExtractFromBody pulls usage out of a buffered (non-streaming) response
// body.
func ExtractFromBody(body []byte) (model.Usage, bool) {
	var ev wireEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return model.Usage{}, false
	}
	e := &UsageExtractor{}
	if ev.Usage != nil {
		e.apply(ev.Usage)
	}
	if ev.Message != nil && ev.Message.Usage != nil {
		e.apply(ev.Message.Usage)
	}
	return e.usage, e.seen
}
