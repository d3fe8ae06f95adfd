package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerdlabs-ai/ainerd/internal/ainerd/metrics"
)

func newTestStore(t *testing.T, blobs BlobStore, embedder Embedder, cfg StoreConfig) *Store {
	t.Helper()
	return NewStore(blobs, newTestCodec(t), embedder, cfg)
}

func TestStore_CapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), nil, StoreConfig{Limit: 3})

	for _, scope := range []Scope{Global, User("42")} {
		t.Run(scope.Kind(), func(t *testing.T) {
			want := []int{1, 2, 3, 3}
			for i, text := range []string{"a", "b", "c", "d"} {
				n, err := s.Append(ctx, scope, text, "full "+text)
				if err != nil {
					t.Fatalf("Append(%q): %v", text, err)
				}
				if n != want[i] {
					t.Errorf("Append(%q) = %d, want %d", text, n, want[i])
				}
			}

			got, err := s.Summaries(ctx, scope)
			if err != nil {
				t.Fatalf("Summaries: %v", err)
			}
			if !equalStrings(got, []string{"b", "c", "d"}) {
				t.Errorf("Summaries = %v, want [b c d]", got)
			}
			detail, _ := s.Detail(ctx, scope, 1)
			if detail != "full b" {
				t.Errorf("Detail(1) = %q, want %q", detail, "full b")
			}
		})
	}
}

func TestStore_AppendThenDetail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), nil, StoreConfig{})

	n, err := s.Append(ctx, Global, "likes tea", "The user said they like green tea.")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 1 {
		t.Fatalf("Append on empty store = %d, want 1", n)
	}

	tests := []struct {
		index int
		want  string
	}{
		{1, "The user said they like green tea."},
		{2, ""},
		{0, ""},
		{-3, ""},
	}
	for _, tt := range tests {
		got, err := s.Detail(ctx, Global, tt.index)
		if err != nil {
			t.Fatalf("Detail(%d): %v", tt.index, err)
		}
		if got != tt.want {
			t.Errorf("Detail(%d) = %q, want %q", tt.index, got, tt.want)
		}
	}

	got, err := s.Detail(ctx, User("nobody"), 1)
	if err != nil || got != "" {
		t.Errorf("Detail for user without memories = (%q, %v)", got, err)
	}
}

func TestStore_FindRelevantOrdering(t *testing.T) {
	ctx := context.Background()
	emb := &mapEmbedder{vectors: map[string][]float32{
		"dogs":    {0, 1},
		"cats":    {1, 0},
		"kittens": {0.9, 0.1},
		"zero":    {0, 0},
	}}
	s := newTestStore(t, newMemBlobs(), emb, StoreConfig{})

	for _, text := range []string{"dogs", "cats", "unembeddable", "kittens", "zero"} {
		if _, err := s.Append(ctx, Global, text, text); err != nil {
			t.Fatalf("Append(%q): %v", text, err)
		}
	}

	matches, err := s.FindRelevant(ctx, Global, []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("FindRelevant: %v", err)
	}
	wantIndex := []int{2, 4, 1, 3, 5}
	if len(matches) != len(wantIndex) {
		t.Fatalf("got %d matches, want %d", len(matches), len(wantIndex))
	}
	for i, m := range matches {
		if m.Index != wantIndex[i] {
			t.Errorf("match %d index = %d (%s), want %d", i, m.Index, m.Summary, wantIndex[i])
		}
		if m.Score < -1 || m.Score > 1 {
			t.Errorf("score %f out of [-1, 1]", m.Score)
		}
	}
	if matches[0].Score != 1 {
		t.Errorf("exact match score = %f, want 1", matches[0].Score)
	}
	for _, m := range matches[2:] {
		if m.Score != 0 {
			t.Errorf("match %d score = %f, want 0", m.Index, m.Score)
		}
	}

	top, _ := s.FindRelevant(ctx, Global, []float32{1, 0}, 2)
	if len(top) != 2 || top[0].Summary != "cats" || top[1].Summary != "kittens" {
		t.Errorf("top 2 = %+v", top)
	}
}

func TestStore_FindRelevantEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), nil, StoreConfig{})
	if _, err := s.Append(ctx, Global, "a", "A"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	for name, call := range map[string]func() ([]Match, error){
		"nil query":    func() ([]Match, error) { return s.FindRelevant(ctx, Global, nil, 3) },
		"zero topK":    func() ([]Match, error) { return s.FindRelevant(ctx, Global, []float32{1}, 0) },
		"missing user": func() ([]Match, error) { return s.FindRelevant(ctx, User("7"), []float32{1}, 3) },
	} {
		got, err := call()
		if err != nil || len(got) != 0 {
			t.Errorf("%s: got (%v, %v), want no matches", name, got, err)
		}
	}
}

func TestStore_EmbeddingFailureStillStores(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	emb := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("provider down")
	})
	s := newTestStore(t, newMemBlobs(), emb, StoreConfig{Metrics: m})

	n, err := s.Append(ctx, User("1"), "summary", "full")
	if err != nil || n != 1 {
		t.Fatalf("Append = (%d, %v), want (1, nil)", n, err)
	}
	if got := testutil.ToFloat64(m.EmbeddingFailures); got != 1 {
		t.Errorf("embedding failures = %v, want 1", got)
	}
	matches, _ := s.FindRelevant(ctx, User("1"), []float32{1, 2, 3}, 3)
	if len(matches) != 1 || matches[0].Score != 0 {
		t.Errorf("matches = %+v, want one zero-score match", matches)
	}
}

func TestStore_NonFiniteEmbeddingStoredWithoutVector(t *testing.T) {
	for _, cached := range []bool{false, true} {
		t.Run(fmt.Sprintf("cached=%v", cached), func(t *testing.T) {
			ctx := context.Background()
			m := metrics.New()
			emb := &mapEmbedder{vectors: map[string][]float32{
				"nan":  {float32(math.NaN()), 1},
				"good": {1, 1},
				"inf":  {float32(math.Inf(1)), 0},
			}}
			blobs := newMemBlobs()
			s := newTestStore(t, blobs, emb, StoreConfig{Metrics: m})
			if cached {
				if err := s.LoadCache(ctx); err != nil {
					t.Fatalf("LoadCache: %v", err)
				}
			}

			for _, text := range []string{"nan", "good", "inf"} {
				if _, err := s.Append(ctx, Global, text, text); err != nil {
					t.Fatalf("Append(%s): %v", text, err)
				}
			}
			if got := testutil.ToFloat64(m.EmbeddingFailures); got != 2 {
				t.Errorf("embedding failures = %v, want 2", got)
			}
			if cached {
				if err := s.FlushCache(ctx); err != nil {
					t.Fatalf("FlushCache: %v", err)
				}
				if s.Dirty() {
					t.Error("cache still dirty after flush")
				}
			}

			matches, err := s.FindRelevant(ctx, Global, []float32{1, 1}, 3)
			if err != nil {
				t.Fatalf("FindRelevant: %v", err)
			}
			if len(matches) != 3 || matches[0].Index != 2 {
				t.Fatalf("matches = %+v, want good entry first", matches)
			}
			for _, mt := range matches[1:] {
				if mt.Score != 0 {
					t.Errorf("entry without vector scored %v, want 0", mt.Score)
				}
			}

			fresh := newTestStore(t, blobs, nil, StoreConfig{})
			if got, _ := fresh.Summaries(ctx, Global); !equalStrings(got, []string{"nan", "good", "inf"}) {
				t.Errorf("durable Summaries = %v", got)
			}
		})
	}
}

func TestStore_EmbedTimeout(t *testing.T) {
	ctx := context.Background()
	emb := EmbedderFunc(func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newTestStore(t, newMemBlobs(), emb, StoreConfig{EmbedTimeout: 1})

	if _, err := s.Append(ctx, Global, "slow", "slow"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n, _ := s.Len(ctx, Global); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), nil, StoreConfig{})
	for _, text := range []string{"a", "b", "c"} {
		s.Append(ctx, Global, text, text+"!")
	}

	ok, err := s.Delete(ctx, Global, 5)
	if err != nil || ok {
		t.Fatalf("Delete(5) = (%v, %v), want (false, nil)", ok, err)
	}
	ok, err = s.Delete(ctx, Global, 1)
	if err != nil || !ok {
		t.Fatalf("Delete(1) = (%v, %v), want (true, nil)", ok, err)
	}
	if d, _ := s.Detail(ctx, Global, 1); d != "b!" {
		t.Errorf("Detail(1) after delete = %q, want b!", d)
	}

	ok, err = s.Delete(ctx, User("ghost"), 1)
	if err != nil || ok {
		t.Errorf("Delete on missing user = (%v, %v)", ok, err)
	}
}

func TestStore_DeleteUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), nil, StoreConfig{})

	ok, err := s.DeleteUser(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("DeleteUser(absent) = (%v, %v), want (false, nil)", ok, err)
	}

	s.Append(ctx, User("1"), "mine", "mine")
	s.Append(ctx, User("2"), "theirs", "theirs")

	ok, err = s.DeleteUser(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("DeleteUser(1) = (%v, %v), want (true, nil)", ok, err)
	}
	if got, _ := s.Summaries(ctx, User("1")); len(got) != 0 {
		t.Errorf("user 1 summaries = %v, want none", got)
	}
	if got, _ := s.Summaries(ctx, User("2")); !equalStrings(got, []string{"theirs"}) {
		t.Errorf("user 2 summaries = %v", got)
	}
}

func TestStore_InvalidScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), nil, StoreConfig{})

	if _, err := s.Append(ctx, User(""), "x", "x"); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("Append err = %v, want ErrInvalidScope", err)
	}
	if _, err := s.DeleteUser(ctx, ""); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("DeleteUser err = %v, want ErrInvalidScope", err)
	}
}

func TestStore_NoKeyFailsBeforeIO(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	called := false
	emb := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		called = true
		return nil, nil
	})
	s := NewStore(blobs, nil, emb, StoreConfig{})

	if _, err := s.Append(ctx, Global, "x", "x"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Append err = %v, want ErrConfiguration", err)
	}
	if called || blobs.writes() != 0 {
		t.Errorf("no work expected without a key: embedded=%v writes=%d", called, blobs.writes())
	}
}

func TestStore_PersistsEncrypted(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	s := newTestStore(t, blobs, nil, StoreConfig{})

	s.Append(ctx, Global, "global", "G")
	s.Append(ctx, User("5"), "user", "U")

	for _, key := range []string{GlobalKey, UsersKey} {
		blob, ok, _ := blobs.GetBlob(ctx, key)
		if !ok {
			t.Fatalf("%s not written", key)
		}
		if json.Valid(blob) {
			t.Errorf("%s stored as plaintext JSON", key)
		}
	}

	reopened := newTestStore(t, blobs, nil, StoreConfig{})
	if d, _ := reopened.Detail(ctx, User("5"), 1); d != "U" {
		t.Errorf("reopened user detail = %q, want U", d)
	}
}

func TestStore_ReadsLegacyPlaintext(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	m := metrics.New()
	blobs.data[GlobalKey] = []byte(`{"summaries":["old fact"],"memories":["the old fact in full"]}`)
	blobs.data[UsersKey] = []byte(`{"9":{"summaries":[{"text":"u","embedding":[1,0]}],"memories":["U"]}}`)

	s := newTestStore(t, blobs, nil, StoreConfig{Metrics: m})

	got, err := s.Summaries(ctx, Global)
	if err != nil || !equalStrings(got, []string{"old fact"}) {
		t.Fatalf("Summaries = (%v, %v)", got, err)
	}
	if d, _ := s.Detail(ctx, Global, 1); d != "the old fact in full" {
		t.Errorf("Detail = %q", d)
	}
	matches, _ := s.FindRelevant(ctx, User("9"), []float32{1, 0}, 1)
	if len(matches) != 1 || matches[0].Score != 1 {
		t.Errorf("legacy embedding not used: %+v", matches)
	}
	if testutil.ToFloat64(m.LegacyDocuments.WithLabelValues(GlobalKey)) == 0 {
		t.Error("legacy read not counted")
	}

	// The next write re-encodes the document encrypted.
	s.Append(ctx, Global, "new", "new")
	if json.Valid(blobs.data[GlobalKey]) {
		t.Error("document still plaintext after write")
	}
	if got, _ := s.Summaries(ctx, Global); !equalStrings(got, []string{"old fact", "new"}) {
		t.Errorf("Summaries after write = %v", got)
	}
}

func TestStore_CorruptDocument(t *testing.T) {
	ctx := context.Background()

	t.Run("lenient", func(t *testing.T) {
		blobs := newMemBlobs()
		blobs.data[GlobalKey] = []byte("%%% definitely not a memory document")
		m := metrics.New()
		s := newTestStore(t, blobs, nil, StoreConfig{Metrics: m})

		got, err := s.Summaries(ctx, Global)
		if err != nil || len(got) != 0 {
			t.Fatalf("Summaries = (%v, %v), want empty", got, err)
		}
		if testutil.ToFloat64(m.CorruptDocuments.WithLabelValues(GlobalKey)) != 1 {
			t.Error("corrupt document not counted")
		}
	})

	t.Run("strict", func(t *testing.T) {
		blobs := newMemBlobs()
		blobs.data[GlobalKey] = []byte("%%% definitely not a memory document")
		s := newTestStore(t, blobs, nil, StoreConfig{StrictDecode: true})

		if _, err := s.Summaries(ctx, Global); !errors.Is(err, ErrCorruptData) {
			t.Fatalf("err = %v, want ErrCorruptData", err)
		}
	})
}

func TestStore_WriteErrorPropagates(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	blobs.failSet = errors.New("disk full")
	s := newTestStore(t, blobs, nil, StoreConfig{})

	if _, err := s.Append(ctx, Global, "x", "x"); err == nil {
		t.Fatal("expected write error")
	}
}

func TestStore_CacheCoherence(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	s := newTestStore(t, blobs, nil, StoreConfig{Limit: 3})
	s.Append(ctx, Global, "before", "before")
	baseline := blobs.writes()

	if err := s.LoadCache(ctx); err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if !s.CacheLoaded() || s.Dirty() {
		t.Fatalf("after load: loaded=%v dirty=%v", s.CacheLoaded(), s.Dirty())
	}

	for _, text := range []string{"a", "b", "c"} {
		if _, err := s.Append(ctx, Global, text, text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s.Append(ctx, User("1"), "u", "u")

	if blobs.writes() != baseline {
		t.Fatalf("cached writes reached storage: %d writes, want %d", blobs.writes(), baseline)
	}
	if !s.Dirty() {
		t.Fatal("expected dirty cache")
	}
	if got, _ := s.Summaries(ctx, Global); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("cached Summaries = %v", got)
	}
	if err := s.LoadCache(ctx); !errors.Is(err, ErrCacheDirty) {
		t.Errorf("LoadCache while dirty = %v, want ErrCacheDirty", err)
	}

	if err := s.FlushCache(ctx); err != nil {
		t.Fatalf("FlushCache: %v", err)
	}
	if s.Dirty() || !s.CacheLoaded() {
		t.Errorf("after flush: loaded=%v dirty=%v", s.CacheLoaded(), s.Dirty())
	}
	if err := s.FlushCache(ctx); err != nil {
		t.Fatalf("second FlushCache: %v", err)
	}

	fresh := newTestStore(t, blobs, nil, StoreConfig{})
	if got, _ := fresh.Summaries(ctx, Global); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("durable Summaries after flush = %v", got)
	}
	if got, _ := fresh.Summaries(ctx, User("1")); !equalStrings(got, []string{"u"}) {
		t.Errorf("durable user Summaries after flush = %v", got)
	}
}

func TestStore_FlushCacheWithoutLoad(t *testing.T) {
	blobs := newMemBlobs()
	s := newTestStore(t, blobs, nil, StoreConfig{})
	if err := s.FlushCache(context.Background()); err != nil {
		t.Fatalf("FlushCache: %v", err)
	}
	if blobs.writes() != 0 {
		t.Errorf("FlushCache without a cache wrote %d blobs", blobs.writes())
	}
}

func TestStore_FlushFailureKeepsDirty(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	m := metrics.New()
	s := newTestStore(t, blobs, nil, StoreConfig{Metrics: m})
	if err := s.LoadCache(ctx); err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	s.Append(ctx, Global, "x", "x")

	blobs.failSet = errors.New("io error")
	if err := s.FlushCache(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if !s.Dirty() {
		t.Error("cache should stay dirty after a failed flush")
	}
	if testutil.ToFloat64(m.Flushes.WithLabelValues("error")) != 1 {
		t.Error("failed flush not counted")
	}

	blobs.failSet = nil
	if err := s.FlushCache(ctx); err != nil {
		t.Fatalf("retry FlushCache: %v", err)
	}
	if s.Dirty() {
		t.Error("cache still dirty after successful flush")
	}
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemBlobs(), nil, StoreConfig{Limit: 10})
	s.Append(ctx, Global, "g", "g")
	s.Append(ctx, User("1"), "a", "a")
	s.Append(ctx, User("1"), "b", "b")
	s.Append(ctx, User("2"), "c", "c")

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{GlobalEntries: 1, Users: 2, UserEntries: 3, Limit: 10}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	s.LoadCache(ctx)
	s.Append(ctx, Global, "h", "h")
	st, _ = s.Stats(ctx)
	if !st.CacheLoaded || !st.Dirty || st.GlobalEntries != 2 {
		t.Errorf("cached Stats = %+v", st)
	}
}

func TestStore_ConcurrentOperations(t *testing.T) {
	const limit = 5
	for _, cached := range []bool{false, true} {
		t.Run(fmt.Sprintf("cached=%v", cached), func(t *testing.T) {
			ctx := context.Background()
			emb := EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
				return []float32{float32(len(text)), 1}, nil
			})
			s := newTestStore(t, newMemBlobs(), emb, StoreConfig{Limit: limit})
			if cached {
				if err := s.LoadCache(ctx); err != nil {
					t.Fatalf("LoadCache: %v", err)
				}
			}

			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 25; i++ {
						text := fmt.Sprintf("w%d-%d", w, i)
						if _, err := s.Append(ctx, Global, text, "full:"+text); err != nil {
							t.Errorf("Append: %v", err)
							return
						}
						if _, err := s.Append(ctx, User("u"), text, "full:"+text); err != nil {
							t.Errorf("Append user: %v", err)
							return
						}
						if i%5 == 0 {
							if _, err := s.Delete(ctx, Global, 1); err != nil {
								t.Errorf("Delete: %v", err)
							}
						}
						if _, err := s.FindRelevant(ctx, Global, []float32{1, 1}, 3); err != nil {
							t.Errorf("FindRelevant: %v", err)
						}
						if i%7 == 0 {
							if err := s.FlushCache(ctx); err != nil {
								t.Errorf("FlushCache: %v", err)
							}
						}
					}
				}()
			}
			wg.Wait()

			if err := s.FlushCache(ctx); err != nil {
				t.Fatalf("FlushCache: %v", err)
			}
			if n, _ := s.Len(ctx, User("u")); n != limit {
				t.Errorf("user Len = %d, want %d", n, limit)
			}
			for _, scope := range []Scope{Global, User("u")} {
				summaries, err := s.Summaries(ctx, scope)
				if err != nil {
					t.Fatalf("Summaries: %v", err)
				}
				if len(summaries) > limit {
					t.Errorf("%s holds %d entries, limit %d", scope.Kind(), len(summaries), limit)
				}
				for i, sum := range summaries {
					d, err := s.Detail(ctx, scope, i+1)
					if err != nil {
						t.Fatalf("Detail: %v", err)
					}
					if d != "full:"+sum {
						t.Errorf("%s entry %d: detail %q does not match summary %q", scope.Kind(), i+1, d, sum)
					}
				}
			}
		})
	}
}
