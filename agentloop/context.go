package agentloop

import (
	"github.com/martinemde/lodestar/unifiedllm"
	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts tokens in a piece of text.
type TokenEstimator interface {
	Count(text string) int
}

// heuristicEstimator approximates ~4 bytes per token. Good enough for
// context budgeting without an encoder download.
type heuristicEstimator struct{}

func (heuristicEstimator) Count(text string) int {
	return (len(text) + 3) / 4
}

// DefaultEstimator returns the byte-length heuristic estimator.
func DefaultEstimator() TokenEstimator {
	return heuristicEstimator{}
}

// TiktokenEstimator counts tokens with a real BPE encoding for precise
// budgeting.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding. Callers that want
// graceful degradation should fall back to DefaultEstimator on error.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{encoding: encoding}, nil
}

func (e *TiktokenEstimator) Count(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// Per-kind token overheads beyond raw text.
const (
	roleOverheadTokens     = 4
	toolCallOverheadTokens = 8
	imageTokens            = 1000
)

// ContentTokens estimates tokens for a slice of content blocks.
func ContentTokens(content []unifiedllm.Content, est TokenEstimator) int {
	total := 0
	for _, c := range content {
		switch c.Type {
		case unifiedllm.ContentText:
			total += est.Count(c.Text)
		case unifiedllm.ContentImage:
			total += imageTokens
		case unifiedllm.ContentThinking:
			total += est.Count(c.Thinking)
		case unifiedllm.ContentToolCall:
			total += est.Count(c.Name) + est.Count(string(c.Arguments)) + toolCallOverheadTokens
		}
	}
	return total
}

// MessageTokens estimates tokens for a single agent message.
func MessageTokens(msg AgentMessage, est TokenEstimator) int {
	if msg.Extension != nil {
		total := est.Count(msg.Extension.Kind) + roleOverheadTokens
		for k, v := range msg.Extension.Data {
			total += est.Count(k)
			if s, ok := v.(string); ok {
				total += est.Count(s)
			} else {
				total += roleOverheadTokens
			}
		}
		return total
	}
	m := msg.Llm
	total := ContentTokens(m.Content, est) + roleOverheadTokens
	if m.Role == unifiedllm.RoleToolResult {
		total += est.Count(m.ToolName) + roleOverheadTokens
	}
	return total
}

// TotalTokens estimates tokens for a message list.
func TotalTokens(messages []AgentMessage, est TokenEstimator) int {
	total := 0
	for _, m := range messages {
		total += MessageTokens(m, est)
	}
	return total
}

// ContextTracker keeps a hybrid token account of the conversation: real
// usage reported by the provider covers the prefix it was measured
// against, and trailing messages with no recorded usage are estimated.
type ContextTracker struct {
	estimator       TokenEstimator
	recordedThrough int    // messages[:recordedThrough] covered by recordedTokens
	recordedTokens  uint64 // input+cache+output of the last usage report
}

// NewContextTracker creates a tracker with the given estimator (nil for
// the default heuristic).
func NewContextTracker(est TokenEstimator) *ContextTracker {
	if est == nil {
		est = DefaultEstimator()
	}
	return &ContextTracker{estimator: est}
}

// RecordUsage records a provider usage report measured against the first
// messageCount messages of the conversation.
func (t *ContextTracker) RecordUsage(messageCount int, usage unifiedllm.Usage) {
	tokens := usage.Input + usage.CacheRead + usage.CacheWrite + usage.Output
	if tokens == 0 {
		return
	}
	t.recordedThrough = messageCount
	t.recordedTokens = tokens
}

// Estimate returns the hybrid token estimate for the conversation.
func (t *ContextTracker) Estimate(messages []AgentMessage) int {
	if t.recordedThrough > len(messages) {
		// The conversation shrank under us (compaction without Reset);
		// fall back to pure estimation.
		return TotalTokens(messages, t.estimator)
	}
	return int(t.recordedTokens) + TotalTokens(messages[t.recordedThrough:], t.estimator)
}

// Reset discards recorded usage. Called after compaction, when message
// positions no longer line up with past reports.
func (t *ContextTracker) Reset() {
	t.recordedThrough = 0
	t.recordedTokens = 0
}
