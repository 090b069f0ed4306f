package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ============================================================================
// TOKEN COUNTING
// Accurate counts via tiktoken when the model is known; a calibrated
// chars-per-token estimate otherwise. Trimming decisions only need the
// estimate; the safety multiplier absorbs the difference.
// ============================================================================

const (
	// charsPerToken is the calibrated estimation constant.
	charsPerToken = 4

	// safetyMultiplier inflates estimates so trimming errs on the small side.
	safetyMultiplier = 1.2

	// tokensPerMessage is the per-message format overhead
	// (<|start|>role|content<|end|>).
	tokensPerMessage = 3
)

var (
	// Cache encodings to avoid repeated initialization.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for a specific model. The zero value estimates.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter creates a counter for the model. Unknown models fall back to
// the cl100k_base encoding; if even that fails the counter estimates.
func NewCounter(model string) *Counter {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()
	if exists {
		return &Counter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &Counter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}
}

// Count returns the token count for raw text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage returns the token cost of one message including format
// overhead, tool-call names and serialized arguments.
func (c *Counter) CountMessage(m Message) int {
	total := tokensPerMessage
	total += c.Count(string(m.Role))
	total += c.Count(m.Content)
	for _, tc := range m.ToolCalls {
		total += c.Count(tc.Name)
		for k, v := range tc.Args {
			total += c.Count(k)
			if s, ok := v.(string); ok {
				total += c.Count(s)
			} else {
				total += tokensPerMessage
			}
		}
	}
	return total
}

// CountMessages returns the token cost of a message list plus the reply
// priming overhead.
func (c *Counter) CountMessages(messages []Message) int {
	total := tokensPerMessage // reply primed with <|start|>assistant
	for _, m := range messages {
		total += c.CountMessage(m)
	}
	return total
}

// Estimate approximates tokens from length with the safety multiplier
// applied. Used when no encoding is available.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	est := float64(len(text)) / charsPerToken * safetyMultiplier
	return int(est) + 1
}
