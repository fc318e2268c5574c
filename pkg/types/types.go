// Package types defines the shared domain types for the crmcache system:
// the mirrored CRM entity record, refresh summaries, and search results.
//
// These types cross package boundaries (storage, index, refresh, query) and
// carry no behavior beyond key construction and source-text derivation, so
// that every store can persist them without importing the others.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ObjectType identifies the kind of CRM object a record mirrors.
// The set is closed but extensible: unknown types are stored and queried
// fine, they just fall back to the generic source-text derivation.
type ObjectType string

// Known object types, matching the remote CRM's object names.
const (
	ObjectTypeContact            ObjectType = "contact"
	ObjectTypeCompany            ObjectType = "company"
	ObjectTypeDeal               ObjectType = "deal"
	ObjectTypeConversationThread ObjectType = "conversation_thread"
)

// KnownObjectTypes lists the object types the refresh layer fetches by default.
var KnownObjectTypes = []ObjectType{
	ObjectTypeContact,
	ObjectTypeCompany,
	ObjectTypeDeal,
	ObjectTypeConversationThread,
}

// EntityRecord is one mirrored CRM object. The key-value store is the source
// of truth for these; the vector index only ever holds a derived projection.
type EntityRecord struct {
	// ObjectType is the kind of CRM object (contact, company, ...).
	ObjectType ObjectType `json:"object_type"`

	// ObjectID is the remote system's ID, unique within ObjectType.
	ObjectID string `json:"object_id"`

	// Properties is the entity's field set as returned by the remote source.
	Properties map[string]string `json:"properties"`

	// RefreshedAt is the time of the last fully successful synchronization
	// (key-value write and vector upsert both applied). A zero value marks a
	// record whose vector upsert is still pending; the next refresh of its
	// type retries it.
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Key returns the storage key for the record: "{objectType}_{objectId}".
// The layout is stable and deterministic so a prefix scan on
// "{objectType}_" enumerates exactly one type.
func (r *EntityRecord) Key() string {
	return EntityKey(r.ObjectType, r.ObjectID)
}

// EntityKey builds the composite storage key for an (objectType, objectId) pair.
func EntityKey(t ObjectType, id string) string {
	return fmt.Sprintf("%s_%s", t, id)
}

// KeyPrefix returns the scan prefix covering all records of one type.
func KeyPrefix(t ObjectType) string {
	return string(t) + "_"
}

// PendingReindex reports whether the record's vector entry is missing or
// stale (the key-value write succeeded but the index upsert did not).
func (r *EntityRecord) PendingReindex() bool {
	return r.RefreshedAt.IsZero()
}

// sourceTextFields maps each known object type to the fixed, ordered subset
// of properties that is embedded for semantic search. The order is part of
// the contract: changing it changes content hashes and forces re-embedding.
var sourceTextFields = map[ObjectType][]string{
	ObjectTypeContact:            {"firstname", "lastname", "email", "company"},
	ObjectTypeCompany:            {"name", "domain", "industry"},
	ObjectTypeDeal:               {"dealname", "amount", "dealstage", "pipeline"},
	ObjectTypeConversationThread: {"subject", "messages"},
}

// SourceText derives the text that gets embedded for this record. For known
// types it concatenates a fixed property subset in a fixed order; unknown
// types fall back to all properties in sorted key order. Either way the
// result is deterministic for identical property values, which is what makes
// the embedding cache effective across refreshes.
func (r *EntityRecord) SourceText() string {
	fields, ok := sourceTextFields[r.ObjectType]
	if !ok {
		fields = make([]string, 0, len(r.Properties))
		for k := range r.Properties {
			fields = append(fields, k)
		}
		sort.Strings(fields)
	}

	var b strings.Builder
	b.WriteString(string(r.ObjectType))
	for _, f := range fields {
		v, ok := r.Properties[f]
		if !ok || v == "" {
			continue
		}
		b.WriteByte('\n')
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(v)
	}
	return b.String()
}

// DisplayMetadata returns the subset of properties stored alongside the
// vector entry for search-result display. For known types this is the same
// subset that was embedded; unknown types carry all properties.
func (r *EntityRecord) DisplayMetadata() map[string]string {
	fields, ok := sourceTextFields[r.ObjectType]
	if !ok {
		out := make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := r.Properties[f]; ok {
			out[f] = v
		}
	}
	return out
}

// RefreshSummary reports the outcome of one Refresh call.
type RefreshSummary struct {
	// RunID uniquely identifies the refresh run, for log correlation.
	RunID string `json:"run_id"`

	// ObjectType is the type that was refreshed.
	ObjectType ObjectType `json:"object_type"`

	// Count is the number of entities written to the key-value store.
	Count int `json:"count"`

	// Failures is the number of entities whose embedding or index upsert
	// failed. Those entities remain readable by key but are pending reindex.
	Failures int `json:"failures"`

	// Pages is the number of remote pages fetched.
	Pages int `json:"pages"`

	// RefreshedAt is the wall-clock time stamped onto every record written
	// by this run.
	RefreshedAt time.Time `json:"refreshed_at"`
}

// SearchResult pairs a resolved entity record with its similarity score.
type SearchResult struct {
	// Rank is the 1-based position in the result list.
	Rank int `json:"rank"`

	// Record is the current record from the key-value store (not the
	// possibly-stale copy the index was built from).
	Record EntityRecord `json:"record"`

	// Similarity is the cosine similarity to the query embedding, in [-1, 1].
	Similarity float64 `json:"similarity"`
}
