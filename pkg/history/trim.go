package history

// ============================================================================
// TOKEN-AWARE TRIMMING
// Fits a thread into a context budget while keeping system prompts, the
// opening exchange and the most recent turns. Tool-call/tool-response pairs
// are atomic: a window never begins between a call and its result.
// ============================================================================

// TrimOptions tunes TrimForContext. Zero values fall back to defaults.
type TrimOptions struct {
	// KeepSystem preserves system messages regardless of budget.
	KeepSystem bool

	// KeepFirstN preserves the first N non-system messages.
	KeepFirstN int

	// KeepLastN is the target size of the recent-message window.
	KeepLastN int

	// Smart extends the recent window so tool pairs stay intact.
	Smart bool
}

// DefaultTrimOptions returns the standard trimming profile.
func DefaultTrimOptions() TrimOptions {
	return TrimOptions{
		KeepSystem: true,
		KeepFirstN: 2,
		KeepLastN:  10,
		Smart:      true,
	}
}

// TrimForContext returns a subsequence of messages fitting maxTokens.
// When everything fits, the input is returned unchanged. Otherwise the
// result is system messages (if kept) + the first KeepFirstN non-system
// messages + a recent window, shrunk front-first until within budget.
func TrimForContext(messages []Message, maxTokens int, counter *Counter, opts TrimOptions) []Message {
	if len(messages) == 0 || maxTokens <= 0 {
		return messages
	}
	if counter.CountMessages(messages) <= maxTokens {
		return messages
	}
	if opts.KeepLastN <= 0 {
		opts.KeepLastN = DefaultTrimOptions().KeepLastN
	}

	var head []Message
	var rest []Message
	firstKept := 0
	pending := make(map[string]bool)
	for _, m := range messages {
		switch {
		case m.Role == RoleSystem && opts.KeepSystem:
			head = append(head, m)
		case m.IsToolResponse() && pending[m.ToolCallID]:
			// Responses stay with their kept call even past the first-N cut.
			head = append(head, m)
			delete(pending, m.ToolCallID)
		case firstKept < opts.KeepFirstN && m.Role != RoleSystem:
			head = append(head, m)
			firstKept++
			for _, id := range m.callIDs() {
				pending[id] = true
			}
		default:
			rest = append(rest, m)
		}
	}

	tail := lastWindow(rest, opts.KeepLastN, opts.Smart)

	// Shrink the window front-first until the budget holds. Head messages
	// are never dropped; an over-budget head is the caller's configuration
	// problem, not a reason to lose the latest turn.
	for len(tail) > 1 {
		if counter.CountMessages(head)+counter.CountMessages(tail) <= maxTokens {
			break
		}
		drop := 1
		if opts.Smart && tail[0].HasToolCalls() {
			// Drop the whole call/response group together.
			drop += pairSpan(tail)
		}
		if drop >= len(tail) {
			tail = tail[len(tail)-1:]
			break
		}
		tail = tail[drop:]
		if opts.Smart {
			tail = dropOrphanResponses(tail)
		}
	}

	result := make([]Message, 0, len(head)+len(tail))
	result = append(result, head...)
	result = append(result, tail...)
	return result
}

// SmartPreserve returns a suffix of roughly keepCount messages, extended
// backward so every tool response in the window has its matching call and
// every call has its responses. Orphan responses (call absent from the
// whole list) are dropped. keepCount <= 0 returns an empty slice.
func SmartPreserve(messages []Message, keepCount int) []Message {
	if keepCount <= 0 {
		return nil
	}
	if keepCount >= len(messages) {
		return dropOrphanResponses(messages)
	}
	return lastWindow(messages, keepCount, true)
}

// lastWindow takes the last keepCount messages, optionally extending
// backward over split tool pairs.
func lastWindow(messages []Message, keepCount int, smart bool) []Message {
	start := len(messages) - keepCount
	if start <= 0 {
		return messages
	}
	if !smart {
		return messages[start:]
	}

	// Index of the assistant message issuing each tool-call id.
	callIndex := make(map[string]int)
	for i, m := range messages {
		for _, id := range m.callIDs() {
			callIndex[id] = i
		}
	}

	// Pull the window start back until no response's call is outside it.
	for {
		moved := false
		for i := start; i < len(messages); i++ {
			m := messages[i]
			if !m.IsToolResponse() {
				continue
			}
			ci, ok := callIndex[m.ToolCallID]
			if ok && ci < start {
				start = ci
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	return dropOrphanResponses(messages[start:])
}

// dropOrphanResponses removes tool responses whose call is not in the
// window. Providers reject dangling tool results, so orphans (calls trimmed
// away entirely, or malformed history) are silently dropped.
func dropOrphanResponses(window []Message) []Message {
	calls := make(map[string]bool)
	for _, m := range window {
		for _, id := range m.callIDs() {
			calls[id] = true
		}
	}

	clean := true
	for _, m := range window {
		if m.IsToolResponse() && !calls[m.ToolCallID] {
			clean = false
			break
		}
	}
	if clean {
		return window
	}

	kept := make([]Message, 0, len(window))
	for _, m := range window {
		if m.IsToolResponse() && !calls[m.ToolCallID] {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// pairSpan returns how many messages directly after window[0] answer its
// tool calls.
func pairSpan(window []Message) int {
	ids := make(map[string]bool)
	for _, id := range window[0].callIDs() {
		ids[id] = true
	}
	span := 0
	for i := 1; i < len(window); i++ {
		if window[i].IsToolResponse() && ids[window[i].ToolCallID] {
			span++
			continue
		}
		break
	}
	return span
}
