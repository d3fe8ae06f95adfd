package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nerdlabs-ai/ainerd/internal/ainerd/vector"
)

// DefaultTopK is the number of memories recalled per scope.
const DefaultTopK = 3

// KnowledgeSource is the static knowledge base consulted alongside memories.
// knowledge.Base implements it.
type KnowledgeSource interface {
	// Relevant returns the texts of the topK items closest to query.
	Relevant(ctx context.Context, query []float32, topK int) ([]string, error)
	// Items returns every item in configured order.
	Items() []string
}

// Recalled is one memory line in a Recall.
type Recalled struct {
	Index   int
	Summary string
}

// Recall is the memory context gathered for one incoming message.
type Recall struct {
	Knowledge []string
	Global    []Recalled
	User      []Recalled

	// The *Fallback fields are set when ranking was unavailable and the
	// section lists everything instead of the closest matches.
	KnowledgeFallback bool
	GlobalFallback    bool
	UserFallback      bool
}

// Recaller gathers the knowledge and memories relevant to a message. It
// embeds the message once and degrades to plain listings when the embedding
// or a search is unavailable; it never fails the caller.
type Recaller struct {
	Store     *Store
	Knowledge KnowledgeSource // optional
	Embedder  Embedder

	TopK          int // memories per scope (default: 3)
	KnowledgeTopK int // knowledge items (default: 3)

	// EmbedTimeout bounds the query embedding. Zero means
	// DefaultEmbedTimeout.
	EmbedTimeout time.Duration

	Logger *slog.Logger
}

// Recall collects the context for message sent by userID. An empty userID
// skips the user section.
func (r *Recaller) Recall(ctx context.Context, userID, message string) Recall {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topK := r.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	knowledgeTopK := r.KnowledgeTopK
	if knowledgeTopK <= 0 {
		knowledgeTopK = DefaultTopK
	}

	query := r.embedQuery(ctx, logger, message)

	var out Recall
	out.Global, out.GlobalFallback = r.recallScope(ctx, logger, Global, query, topK)
	if userID != "" {
		out.User, out.UserFallback = r.recallScope(ctx, logger, User(userID), query, topK)
	}
	if r.Knowledge != nil {
		out.Knowledge, out.KnowledgeFallback = r.recallKnowledge(ctx, logger, query, knowledgeTopK)
	}
	return out
}

func (r *Recaller) embedQuery(ctx context.Context, logger *slog.Logger, message string) []float32 {
	if r.Embedder == nil {
		return nil
	}
	timeout := r.EmbedTimeout
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vec, err := r.Embedder.Embed(ctx, message)
	if err != nil {
		logger.Warn("memory: failed to embed message for recall", "err", err)
		return nil
	}
	if !vector.Finite(vec) {
		logger.Warn("memory: recall query embedding has non-finite components", "dims", len(vec))
		return nil
	}
	return vec
}

func (r *Recaller) recallScope(ctx context.Context, logger *slog.Logger, scope Scope, query []float32, topK int) ([]Recalled, bool) {
	if r.Store == nil {
		return nil, false
	}

	if len(query) > 0 {
		matches, err := r.Store.FindRelevant(ctx, scope, query, topK)
		if err == nil {
			out := make([]Recalled, len(matches))
			for i, m := range matches {
				out[i] = Recalled{Index: m.Index, Summary: m.Summary}
			}
			return out, false
		}
		logger.Warn("memory: relevance search failed, listing all summaries",
			"scope", scope.Kind(),
			"err", err,
		)
	}

	summaries, err := r.Store.Summaries(ctx, scope)
	if err != nil {
		logger.Warn("memory: failed to list summaries", "scope", scope.Kind(), "err", err)
		return nil, true
	}
	out := make([]Recalled, len(summaries))
	for i, s := range summaries {
		out[i] = Recalled{Index: i + 1, Summary: s}
	}
	return out, true
}

func (r *Recaller) recallKnowledge(ctx context.Context, logger *slog.Logger, query []float32, topK int) ([]string, bool) {
	if len(query) > 0 {
		texts, err := r.Knowledge.Relevant(ctx, query, topK)
		if err == nil {
			return texts, false
		}
		logger.Warn("memory: knowledge search failed, listing all items", "err", err)
	}
	return r.Knowledge.Items(), true
}

// Prompt renders the recall as the system-prompt block. userName labels the
// user section.
func (rc Recall) Prompt(userName string) string {
	var b strings.Builder

	b.WriteString("Relevant Knowledge:\n")
	if len(rc.Knowledge) == 0 {
		b.WriteString("No relevant knowledge found.")
	}
	for i, k := range rc.Knowledge {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("* ")
		b.WriteString(k)
	}

	b.WriteString("\nRelevant global memories:\n")
	writeRecalled(&b, rc.Global, "No relevant global memories found.")

	fmt.Fprintf(&b, "\nRelevant user memories for %s:\n", userName)
	empty := "No relevant user memories found."
	if rc.UserFallback {
		empty = "No user memories found."
	}
	writeRecalled(&b, rc.User, empty)

	return b.String()
}

func writeRecalled(b *strings.Builder, lines []Recalled, empty string) {
	if len(lines) == 0 {
		b.WriteString(empty)
		return
	}
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(b, "%d. %s", l.Index, l.Summary)
	}
}
