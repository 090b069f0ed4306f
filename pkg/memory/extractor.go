package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// DataMarker tags a JSON entity payload inside tool output. Everything
// from the marker to the end of the first balanced JSON object is the
// payload; a tool result may carry several blocks.
const DataMarker = "[STRUCTURED_TOOL_DATA]"

// Extraction triggers: counters reset after each extraction pass.
const (
	toolCallTrigger  = 3
	agentCallTrigger = 2
)

// ShouldExtract reports whether enough tool or agent activity has
// accumulated since the last pass to justify running extraction.
func ShouldExtract(toolCallsSince, agentCallsSince int) bool {
	return toolCallsSince >= toolCallTrigger || agentCallsSince >= agentCallTrigger
}

const coercePrompt = `Extract business entities from the tool output below.
Respond with a JSON object whose only keys are accounts, contacts,
opportunities, cases, tasks and leads. Each key maps to a list of objects,
and every object must carry an "id" field. Use empty lists for entity
types that do not appear.`

// Extractor mines tool-result messages for structured entities.
type Extractor struct {
	gateway llm.Gateway
	logger  *slog.Logger
	schema  map[string]any
}

// ExtractorOption adjusts extractor construction.
type ExtractorOption func(*Extractor)

// WithExtractorLogger overrides the extractor logger.
func WithExtractorLogger(logger *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// NewExtractor builds an extractor. gateway may be nil, which disables
// freeform coercion; tagged blocks still parse.
func NewExtractor(gateway llm.Gateway, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		gateway: gateway,
		logger:  slog.Default(),
		schema:  llm.MustSchemaFor[StructuredMemory](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract scans tool-result messages for tagged payloads and merges the
// parsed entities into mem. A payload that fails strict parsing goes
// through JSON repair, then deterministic LLM coercion; a block that
// still fails is logged and skipped so one bad tool result cannot sink
// the batch. Returns the number of entities applied.
func (e *Extractor) Extract(ctx context.Context, mem *StructuredMemory, messages []history.Message) (int, error) {
	applied := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if !msg.IsToolResponse() || !strings.Contains(msg.Content, DataMarker) {
			continue
		}

		for _, payload := range payloads(msg.Content) {
			delta, err := parseDelta(payload)
			if err != nil {
				delta, err = e.coerce(ctx, payload)
			}
			if err != nil {
				e.logger.Warn("skipping structured tool data block",
					"tool_call_id", msg.ToolCallID,
					"error", err)
				continue
			}
			applied += mem.Merge(delta)
		}
	}
	return applied, nil
}

// payloads returns the payload string after each marker occurrence. A
// truncated trailing block is returned as-is for the repair stage.
func payloads(content string) []string {
	var out []string
	rest := content
	for {
		i := strings.Index(rest, DataMarker)
		if i < 0 {
			return out
		}
		rest = rest[i+len(DataMarker):]

		payload, end, ok := firstJSONObject(rest)
		if !ok {
			if tail := strings.TrimSpace(rest); tail != "" {
				out = append(out, tail)
			}
			return out
		}
		out = append(out, payload)
		rest = rest[end:]
	}
}

// firstJSONObject extracts the first balanced {...} in s, skipping brace
// characters inside JSON strings.
func firstJSONObject(s string) (payload string, end int, ok bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", 0, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], i + 1, true
			}
		}
	}
	return "", 0, false
}

// parseDelta decodes a payload, repairing malformed JSON first if strict
// decoding fails. Entities without ids are dropped.
func parseDelta(payload string) (StructuredMemory, error) {
	var delta StructuredMemory
	if err := json.Unmarshal([]byte(payload), &delta); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(payload)
		if repErr != nil {
			return StructuredMemory{}, fmt.Errorf("repair payload: %w", repErr)
		}
		if err := json.Unmarshal([]byte(repaired), &delta); err != nil {
			return StructuredMemory{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	dropUnidentified(&delta)
	return delta, nil
}

func dropUnidentified(m *StructuredMemory) {
	for _, name := range CollectionNames {
		col := m.collection(name)
		kept := (*col)[:0]
		for _, e := range *col {
			if e.ID() != "" {
				kept = append(kept, e)
			}
		}
		*col = kept
	}
}

// coerce asks the deterministic LLM variant to reshape freeform output
// into the entity schema.
func (e *Extractor) coerce(ctx context.Context, text string) (StructuredMemory, error) {
	if e.gateway == nil {
		return StructuredMemory{}, fmt.Errorf("payload is not valid JSON and no coercion gateway is configured")
	}

	resp, err := e.gateway.Invoke(ctx,
		[]history.Message{history.System(coercePrompt), history.User(text)},
		llm.Deterministic(),
		llm.WithResponseSchema("structured_memory", e.schema),
	)
	if err != nil {
		return StructuredMemory{}, fmt.Errorf("coerce payload: %w", err)
	}
	return parseDelta(resp.Content)
}
