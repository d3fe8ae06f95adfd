package memory

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

type stubKnowledge struct {
	items    []string
	relevant []string
	err      error
}

func (k *stubKnowledge) Relevant(context.Context, []float32, int) ([]string, error) {
	return k.relevant, k.err
}

func (k *stubKnowledge) Items() []string { return k.items }

func seededStore(t *testing.T, emb Embedder) *Store {
	t.Helper()
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), emb, StoreConfig{})
	for _, text := range []string{"server rules", "bot birthday"} {
		if _, err := s.Append(ctx, Global, text, text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := s.Append(ctx, User("7"), "likes jazz", "likes jazz"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return s
}

func TestRecaller_RanksWithEmbedding(t *testing.T) {
	emb := &mapEmbedder{vectors: map[string][]float32{
		"server rules":          {1, 0},
		"bot birthday":          {0, 1},
		"likes jazz":            {0.5, 0.5},
		"when is your birthday": {0, 1},
	}}
	s := seededStore(t, emb)
	k := &stubKnowledge{items: []string{"a", "b"}, relevant: []string{"b"}}

	r := &Recaller{Store: s, Knowledge: k, Embedder: emb, TopK: 1}
	rc := r.Recall(context.Background(), "7", "when is your birthday")

	if rc.GlobalFallback || rc.UserFallback || rc.KnowledgeFallback {
		t.Fatalf("unexpected fallback: %+v", rc)
	}
	if len(rc.Global) != 1 || rc.Global[0].Index != 2 || rc.Global[0].Summary != "bot birthday" {
		t.Errorf("Global = %+v", rc.Global)
	}
	if len(rc.User) != 1 || rc.User[0].Summary != "likes jazz" {
		t.Errorf("User = %+v", rc.User)
	}
	if len(rc.Knowledge) != 1 || rc.Knowledge[0] != "b" {
		t.Errorf("Knowledge = %v", rc.Knowledge)
	}

	want := "Relevant Knowledge:\n* b\n" +
		"Relevant global memories:\n2. bot birthday\n" +
		"Relevant user memories for Ada:\n1. likes jazz"
	if got := rc.Prompt("Ada"); got != want {
		t.Errorf("Prompt =\n%s\nwant\n%s", got, want)
	}
}

func TestRecaller_FallsBackWithoutEmbedding(t *testing.T) {
	s := seededStore(t, nil)
	k := &stubKnowledge{items: []string{"rule one", "rule two"}}

	r := &Recaller{Store: s, Knowledge: k, Embedder: NoopEmbedder{}}
	rc := r.Recall(context.Background(), "8", "hi")

	if !rc.GlobalFallback || !rc.UserFallback || !rc.KnowledgeFallback {
		t.Fatalf("expected fallbacks: %+v", rc)
	}
	prompt := rc.Prompt("Bob")
	for _, want := range []string{
		"* rule one\n* rule two",
		"1. server rules\n2. bot birthday",
		"Relevant user memories for Bob:\nNo user memories found.",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestRecaller_EmbedderErrorAndKnowledgeFailure(t *testing.T) {
	s := seededStore(t, nil)
	k := &stubKnowledge{items: []string{"fallback item"}, err: errors.New("down")}
	emb := EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		if text == "boom" {
			return nil, errors.New("embed failed")
		}
		return []float32{1}, nil
	})

	r := &Recaller{Store: s, Knowledge: k, Embedder: emb}

	rc := r.Recall(context.Background(), "7", "boom")
	if !rc.GlobalFallback || len(rc.Global) != 2 {
		t.Errorf("embed failure should list all summaries: %+v", rc.Global)
	}

	rc = r.Recall(context.Background(), "7", "ok")
	if !rc.KnowledgeFallback || len(rc.Knowledge) != 1 || rc.Knowledge[0] != "fallback item" {
		t.Errorf("knowledge failure should list all items: %+v", rc.Knowledge)
	}
}

func TestRecaller_QueryEmbedTimeout(t *testing.T) {
	s := seededStore(t, nil)
	emb := EmbedderFunc(func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := &Recaller{Store: s, Embedder: emb, EmbedTimeout: 10 * time.Millisecond}

	done := make(chan Recall, 1)
	go func() { done <- r.Recall(context.Background(), "7", "slow") }()
	select {
	case rc := <-done:
		if !rc.GlobalFallback || len(rc.Global) != 2 {
			t.Errorf("timed out query should list all summaries: %+v", rc.Global)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recall did not honour the embed timeout")
	}
}

func TestRecaller_NonFiniteQueryFallsBack(t *testing.T) {
	s := seededStore(t, nil)
	emb := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{float32(math.Inf(1)), 0}, nil
	})
	r := &Recaller{Store: s, Embedder: emb}

	rc := r.Recall(context.Background(), "7", "anything")
	if !rc.GlobalFallback || !rc.UserFallback {
		t.Errorf("non-finite query should fall back: %+v", rc)
	}
}

func TestRecall_PromptPlaceholders(t *testing.T) {
	got := Recall{}.Prompt("Eve")
	want := "Relevant Knowledge:\nNo relevant knowledge found.\n" +
		"Relevant global memories:\nNo relevant global memories found.\n" +
		"Relevant user memories for Eve:\nNo relevant user memories found."
	if got != want {
		t.Errorf("Prompt =\n%s\nwant\n%s", got, want)
	}
}
