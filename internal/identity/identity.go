// Package identity computes canonical record identities and merges duplicates.
package identity

import (
	"github.com/google/uuid"

	"github.com/sells-group/prospect-cli/internal/model"
)

// NameMatch selects how canonical names are compared.
type NameMatch string

const (
	// NameMatchExact compares case, accent and punctuation folded names.
	NameMatchExact NameMatch = "exact"
	// NameMatchCompact additionally drops legal suffixes and spaces.
	NameMatchCompact NameMatch = "compact"
)

// recordNamespace seeds name-based record ids.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/sells-group/prospect-cli/records"))

// Key is the canonical identity of a record. URL is empty while the primary
// URL is the sentinel.
type Key struct {
	URL  string
	Name string
}

// String renders the key for ordering and logging. Resolved records are keyed
// by URL, unresolved ones by name.
func (k Key) String() string {
	if k.URL != "" {
		return "url:" + k.URL
	}
	return "name:" + k.Name
}

// Resolver computes identities and classifies duplicates.
type Resolver struct {
	match NameMatch
}

// NewResolver creates a Resolver. An unknown mode falls back to exact matching.
func NewResolver(match NameMatch) *Resolver {
	if match != NameMatchCompact {
		match = NameMatchExact
	}
	return &Resolver{match: match}
}

// Of returns the canonical identity of a record.
func (r *Resolver) Of(rec *model.Record) Key {
	k := Key{Name: r.name(rec.Name)}
	if rec.HasURL() {
		k.URL = CanonicalURL(rec.URL)
	}
	return k
}

// AreDuplicates reports whether two records denote the same entity: both
// canonical URLs are resolved and equal, or the canonical names are equal.
func (r *Resolver) AreDuplicates(a, b *model.Record) bool {
	ka, kb := r.Of(a), r.Of(b)
	if ka.URL != "" && ka.URL == kb.URL {
		return true
	}
	return ka.Name != "" && ka.Name == kb.Name
}

func (r *Resolver) name(s string) string {
	if r.match == NameMatchCompact {
		return CompactName(s)
	}
	return CanonicalName(s)
}

// NewID derives a stable record id from the identity a record had when it
// was created. The id never changes afterwards, even when the URL resolves.
func NewID(k Key) string {
	return uuid.NewSHA1(recordNamespace, []byte(k.String())).String()
}
