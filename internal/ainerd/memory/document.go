package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DocumentVersion is written into every collection document.
const DocumentVersion = 2

// collectionSchema describes the canonical collection document. Anything that
// does not match goes through migrateLegacy instead.
const collectionSchema = `{
	"type": "object",
	"required": ["version", "summaries", "memories"],
	"properties": {
		"version": {"const": 2},
		"summaries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["text"],
				"properties": {
					"text": {"type": "string"},
					"embedding": {
						"type": ["array", "null"],
						"items": {"type": "number"}
					}
				}
			}
		},
		"memories": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

var canonicalSchema = jsonschema.MustCompileString("ainerd://memory/collection.json", collectionSchema)

type summaryRecord struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// collectionDocument is the on-disk shape of one collection. Summaries and
// memories are parallel arrays.
type collectionDocument struct {
	Version   int             `json:"version"`
	Summaries []summaryRecord `json:"summaries"`
	Memories  []string        `json:"memories"`
}

// userDocument maps stringified user ids to their collection.
type userDocument map[string]collectionDocument

// ParseResult describes how a stored document was interpreted.
type ParseResult struct {
	Collection *Collection
	// Legacy is true when the document was not in the canonical schema and
	// was normalized by the migration path.
	Legacy bool
	// Dropped counts trailing entries discarded because the parallel arrays
	// had different lengths.
	Dropped int
}

// ParseCollection interprets raw JSON as a collection, accepting the
// canonical schema and the historic shapes:
//
//   - summaries as bare strings (pre-embedding stores),
//   - summaries as {"text", "embedding"} objects without a version,
//   - memories holding non-string JSON values (stringified verbatim).
//
// Anything else is ErrCorruptData.
func ParseCollection(raw []byte) (ParseResult, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return ParseResult{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	if canonicalSchema.Validate(generic) == nil {
		var doc collectionDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return ParseResult{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		c, dropped := doc.collection()
		return ParseResult{Collection: c, Dropped: dropped}, nil
	}

	doc, err := migrateLegacy(raw)
	if err != nil {
		return ParseResult{}, err
	}
	c, dropped := doc.collection()
	return ParseResult{Collection: c, Legacy: true, Dropped: dropped}, nil
}

// ParseUsers interprets raw JSON as the per-user document. Each value is
// parsed with ParseCollection; a user whose collection cannot be parsed is
// reported in skipped and left out of the result.
func ParseUsers(raw []byte) (users map[string]ParseResult, skipped []string, err error) {
	var byUser map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byUser); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	users = make(map[string]ParseResult, len(byUser))
	for id, doc := range byUser {
		res, err := ParseCollection(doc)
		if err != nil {
			skipped = append(skipped, id)
			continue
		}
		users[id] = res
	}
	return users, skipped, nil
}

// legacyDocument is deliberately loose: summaries are inspected one by one.
type legacyDocument struct {
	Summaries []json.RawMessage `json:"summaries"`
	Memories  []json.RawMessage `json:"memories"`
}

func migrateLegacy(raw []byte) (collectionDocument, error) {
	var legacy legacyDocument
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return collectionDocument{}, fmt.Errorf("%w: unsupported document shape: %v", ErrCorruptData, err)
	}

	doc := collectionDocument{Version: DocumentVersion}
	for i, s := range legacy.Summaries {
		rec, err := legacySummary(s)
		if err != nil {
			return collectionDocument{}, fmt.Errorf("%w: summaries[%d]: %v", ErrCorruptData, i, err)
		}
		doc.Summaries = append(doc.Summaries, rec)
	}
	for _, m := range legacy.Memories {
		doc.Memories = append(doc.Memories, legacyText(m))
	}
	return doc, nil
}

func legacySummary(raw json.RawMessage) (summaryRecord, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return summaryRecord{Text: text}, nil
	}

	var obj struct {
		Text      *string   `json:"text"`
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return summaryRecord{}, err
	}
	if obj.Text == nil {
		return summaryRecord{}, fmt.Errorf("summary object has no text")
	}
	return summaryRecord{Text: *obj.Text, Embedding: obj.Embedding}, nil
}

func legacyText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}

func (d collectionDocument) collection() (*Collection, int) {
	n := min(len(d.Summaries), len(d.Memories))
	dropped := max(len(d.Summaries), len(d.Memories)) - n

	c := &Collection{entries: make([]Entry, n)}
	for i := range n {
		c.entries[i] = Entry{
			Summary:   d.Summaries[i].Text,
			Embedding: d.Summaries[i].Embedding,
			FullText:  d.Memories[i],
		}
	}
	return c, dropped
}

func documentOf(c *Collection) collectionDocument {
	doc := collectionDocument{
		Version:   DocumentVersion,
		Summaries: make([]summaryRecord, 0, c.Len()),
		Memories:  make([]string, 0, c.Len()),
	}
	for _, e := range c.entries {
		doc.Summaries = append(doc.Summaries, summaryRecord{Text: e.Summary, Embedding: e.Embedding})
		doc.Memories = append(doc.Memories, e.FullText)
	}
	return doc
}

func userDocumentOf(users map[string]*Collection) userDocument {
	doc := make(userDocument, len(users))
	for id, c := range users {
		doc[id] = documentOf(c)
	}
	return doc
}

// CanonicalizeGlobal parses a stored or legacy global document and returns
// it in the canonical schema, ready for Codec.Encode.
func CanonicalizeGlobal(raw []byte) (any, ParseResult, error) {
	res, err := ParseCollection(raw)
	if err != nil {
		return nil, ParseResult{}, err
	}
	return documentOf(res.Collection), res, nil
}

// CanonicalizeUsers is CanonicalizeGlobal for the per-user document.
func CanonicalizeUsers(raw []byte) (any, []string, error) {
	parsed, skipped, err := ParseUsers(raw)
	if err != nil {
		return nil, nil, err
	}
	users := make(map[string]*Collection, len(parsed))
	for id, res := range parsed {
		users[id] = res.Collection
	}
	return userDocumentOf(users), skipped, nil
}
