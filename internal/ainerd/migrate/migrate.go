// Package migrate imports the JSON files of the pre-SQLite bot into the kv
// and blob tables. Memory files are normalized to the current document
// schema and encrypted on the way in.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nerdlabs-ai/ainerd/internal/ainerd/memory"
)

// Kind is the destination table of a legacy file.
type Kind string

const (
	KindKV   Kind = "kv"
	KindBlob Kind = "blob"
)

// Mapping ties a legacy file name to its destination key.
type Mapping struct {
	File string
	Kind Kind
	Key  string
}

// DefaultMappings lists the files the legacy bot wrote.
var DefaultMappings = []Mapping{
	{"daily_message_counts.json", KindKV, "daily_message_counts"},
	{"recent_questions.json", KindKV, "recent_questions"},
	{"daily_quiz_records.json", KindKV, "daily_quiz_records"},
	{"metrics.json", KindKV, "metrics"},
	{"nerdscoredata.json", KindKV, "nerdscore"},
	{"recent_freewill.json", KindKV, "recent_freewill"},
	{"serversettings.json", KindKV, "serversettings"},
	{"user_metrics.json", KindKV, "user_metrics"},
	{"context_memory.json", KindKV, "context_memory"},
	{"memories.json", KindBlob, memory.GlobalKey},
	{"user_memories.json", KindBlob, memory.UsersKey},
}

// Target is the storage being migrated into. *store.Store satisfies it.
type Target interface {
	HasJSON(ctx context.Context, key string) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	SetBlob(ctx context.Context, key string, data []byte) error
}

// Options controls a migration run.
type Options struct {
	// DataDir is searched first. Default "data".
	DataDir string
	// ExtraDirs are searched after DataDir. Default: the working directory.
	ExtraDirs []string
	DryRun    bool
	Overwrite bool
	// Codec encrypts memory documents. Required when a memory file holds
	// plaintext JSON.
	Codec    *memory.Codec
	Mappings []Mapping
	Logger   *slog.Logger
}

// Outcome is what happened to one file.
type Outcome string

const (
	Migrated      Outcome = "migrated"
	WouldMigrate  Outcome = "would-migrate"
	SkippedExists Outcome = "skipped-exists"
	SkippedBad    Outcome = "skipped-invalid"
	Failed        Outcome = "failed"
)

// Result describes one processed file.
type Result struct {
	Path    string
	Kind    Kind
	Key     string
	Outcome Outcome
	Detail  string
}

// Report summarizes a run.
type Report struct {
	Results []Result
}

// Processed counts files that were migrated, or would be in a dry run.
func (r Report) Processed() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == Migrated || res.Outcome == WouldMigrate {
			n++
		}
	}
	return n
}

type candidate struct {
	path string
	Mapping
}

// Run migrates every legacy file found. Per-file problems are recorded in
// the report; the returned error is reserved for storage failures and a
// missing encryption key.
func Run(ctx context.Context, target Target, opts Options) (Report, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.ExtraDirs == nil {
		opts.ExtraDirs = []string{"."}
	}
	if opts.Mappings == nil {
		opts.Mappings = DefaultMappings
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var report Report
	for _, c := range findCandidates(append([]string{opts.DataDir}, opts.ExtraDirs...), opts.Mappings) {
		var (
			res Result
			err error
		)
		switch c.Kind {
		case KindKV:
			res, err = migrateKV(ctx, target, c, opts)
		case KindBlob:
			res, err = migrateBlob(ctx, target, c, opts)
		default:
			res = Result{Outcome: SkippedBad, Detail: fmt.Sprintf("unknown kind %q", c.Kind)}
		}
		res.Path, res.Kind, res.Key = c.path, c.Kind, c.Key
		report.Results = append(report.Results, res)

		opts.Logger.Info("migrate: processed file",
			"path", c.path,
			"target", string(c.Kind)+":"+c.Key,
			"outcome", string(res.Outcome),
			"detail", res.Detail,
		)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func findCandidates(dirs []string, mappings []Mapping) []candidate {
	var found []candidate
	seen := make(map[string]bool)
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		for _, m := range mappings {
			p := filepath.Join(dir, m.File)
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			if seen[abs] {
				continue
			}
			if fi, err := os.Stat(p); err != nil || fi.IsDir() {
				continue
			}
			seen[abs] = true
			found = append(found, candidate{path: p, Mapping: m})
		}
	}
	return found
}

func migrateKV(ctx context.Context, target Target, c candidate, opts Options) (Result, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return Result{Outcome: Failed, Detail: err.Error()}, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Result{Outcome: SkippedBad, Detail: "not valid JSON"}, nil
	}

	exists, err := target.HasJSON(ctx, c.Key)
	if err != nil {
		return Result{Outcome: Failed, Detail: err.Error()}, fmt.Errorf("migrate: check %s: %w", c.Key, err)
	}
	if exists && !opts.Overwrite {
		return Result{Outcome: SkippedExists, Detail: "key exists, use overwrite to replace"}, nil
	}
	if opts.DryRun {
		return Result{Outcome: WouldMigrate, Detail: fmt.Sprintf("json value of type %T", data)}, nil
	}

	if err := target.SetJSON(ctx, c.Key, json.RawMessage(raw)); err != nil {
		return Result{Outcome: Failed, Detail: err.Error()}, fmt.Errorf("migrate: write %s: %w", c.Key, err)
	}
	return Result{Outcome: Migrated}, nil
}

func migrateBlob(ctx context.Context, target Target, c candidate, opts Options) (Result, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return Result{Outcome: Failed, Detail: err.Error()}, nil
	}

	_, exists, err := target.GetBlob(ctx, c.Key)
	if err != nil {
		return Result{Outcome: Failed, Detail: err.Error()}, fmt.Errorf("migrate: check %s: %w", c.Key, err)
	}
	if exists && !opts.Overwrite {
		return Result{Outcome: SkippedExists, Detail: "blob exists, use overwrite to replace"}, nil
	}

	if !json.Valid(raw) {
		// Already encoded by a newer build; copied as is.
		if opts.DryRun {
			return Result{Outcome: WouldMigrate, Detail: fmt.Sprintf("%d raw bytes", len(raw))}, nil
		}
		if err := target.SetBlob(ctx, c.Key, raw); err != nil {
			return Result{Outcome: Failed, Detail: err.Error()}, fmt.Errorf("migrate: write %s: %w", c.Key, err)
		}
		return Result{Outcome: Migrated, Detail: fmt.Sprintf("%d raw bytes", len(raw))}, nil
	}

	doc, detail, err := canonicalize(c.Key, raw)
	if err != nil {
		return Result{Outcome: SkippedBad, Detail: err.Error()}, nil
	}
	if opts.DryRun {
		return Result{Outcome: WouldMigrate, Detail: "encrypt " + detail}, nil
	}

	blob, err := opts.Codec.Encode(doc)
	if err != nil {
		if errors.Is(err, memory.ErrConfiguration) {
			return Result{Outcome: Failed, Detail: err.Error()}, err
		}
		return Result{Outcome: Failed, Detail: err.Error()}, nil
	}
	if err := target.SetBlob(ctx, c.Key, blob); err != nil {
		return Result{Outcome: Failed, Detail: err.Error()}, fmt.Errorf("migrate: write %s: %w", c.Key, err)
	}
	return Result{Outcome: Migrated, Detail: "encrypted " + detail}, nil
}

func canonicalize(key string, raw []byte) (any, string, error) {
	if key == memory.UsersKey {
		doc, skipped, err := memory.CanonicalizeUsers(raw)
		if err != nil {
			return nil, "", err
		}
		return doc, fmt.Sprintf("per-user document (%d unreadable users dropped)", len(skipped)), nil
	}
	doc, res, err := memory.CanonicalizeGlobal(raw)
	if err != nil {
		return nil, "", err
	}
	return doc, fmt.Sprintf("%d memories", res.Collection.Len()), nil
}
