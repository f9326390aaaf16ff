// Package util holds small shared helpers, currently token estimation for
// quota reservations.
package util

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecCache   = make(map[tokenizer.Encoding]tokenizer.Codec)
	codecCacheMu sync.RWMutex
)

// Tokenizing huge payloads is slower than the call itself; above this size
// a chars-per-token heuristic is close enough for a quota reservation.
const tokenEstimationThreshold = 100_000

const tokensPerMessage = 3

// EstimateTokens approximates the prompt token count of a chat payload for
// quota reservation purposes. It tokenizes each message's text content with
// tiktoken and adds per-message framing overhead. Reservations only need to
// be in the right ballpark; the commit corrects to the provider-reported
// usage afterwards.
func EstimateTokens(model string, payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	enc, err := codecFor(model)
	if err != nil {
		return estimateByLength(string(payload))
	}

	messages := gjson.GetBytes(payload, "messages")
	if !messages.IsArray() {
		return countTokens(enc, string(payload))
	}

	total := int64(tokensPerMessage)
	messages.ForEach(func(_, msg gjson.Result) bool {
		total += tokensPerMessage
		total += countTokens(enc, msg.Get("role").String())

		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text"); text.Exists() {
					total += countTokens(enc, text.String())
				}
				return true
			})
			return true
		}
		total += countTokens(enc, content.String())
		return true
	})
	return total
}

func countTokens(enc tokenizer.Codec, s string) int64 {
	if s == "" {
		return 0
	}
	if len(s) > tokenEstimationThreshold {
		return estimateByLength(s)
	}
	ids, _, err := enc.Encode(s)
	if err != nil {
		return estimateByLength(s)
	}
	return int64(len(ids))
}

// estimateByLength approximates ~3.5 chars per token of plain text.
func estimateByLength(s string) int64 {
	return int64(float64(len(s)) / 3.5)
}

func codecFor(model string) (tokenizer.Codec, error) {
	encoding := encodingFor(model)

	codecCacheMu.RLock()
	codec, ok := codecCache[encoding]
	codecCacheMu.RUnlock()
	if ok {
		return codec, nil
	}

	codecCacheMu.Lock()
	defer codecCacheMu.Unlock()
	if codec, ok = codecCache[encoding]; ok {
		return codec, nil
	}
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}
	codecCache[encoding] = codec
	return codec, nil
}

func encodingFor(model string) tokenizer.Encoding {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt-4") && !strings.Contains(lower, "gpt-4o"),
		strings.Contains(lower, "gpt-3.5"),
		strings.Contains(lower, "turbo"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
