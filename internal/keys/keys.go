// Package keys derives and parses the storage keys used by the query cache.
//
// Three key spaces share one backend:
//
//	entry:{kind}:{auto}:{digest}:{fingerprint}   cached value
//	index:{table}:{digest}:{kind}:{fingerprint}  table -> entry membership
//	tag:{tag}                                    tag -> digest (or "!")
//
// Every variable segment is a token produced by Encode, so segments never
// contain the ":" delimiter or the "," digest separator.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

const (
	entryNamespace = "entry"
	indexNamespace = "index"
	tagNamespace   = "tag"

	sep       = ":"
	digestSep = ","

	// NoTables is the tag map value for tag entries without automatic
	// table dependency. Encode always escapes "!", so no digest can equal it.
	NoTables = "!"
)

// ErrMalformedIndexKey is returned by ParseIndexKey for keys that do not
// have the exact index record structure.
var ErrMalformedIndexKey = errors.New("keys: malformed index key")

// Kind discriminates tag-indexed entries from table-query entries.
type Kind uint8

const (
	// KindQuery marks entries keyed by a query fingerprint.
	KindQuery Kind = iota
	// KindTag marks entries keyed by a caller-assigned tag.
	KindTag
)

// String returns the human readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindTag:
		return "tag"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) tag() string {
	if k == KindTag {
		return "t"
	}
	return "q"
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "q":
		return KindQuery, true
	case "t":
		return KindTag, true
	default:
		return 0, false
	}
}

// Encode percent-encodes raw so that only A-Z a-z 0-9 - _ . ~ remain literal.
func Encode(raw string) string {
	// QueryEscape escapes a literal '+' as %2B, so every remaining '+' is a space.
	return strings.ReplaceAll(url.QueryEscape(raw), "+", "%20")
}

// Decode reverses Encode.
func Decode(token string) (string, error) {
	s, err := url.PathUnescape(token)
	if err != nil {
		return "", fmt.Errorf("keys: decode %q: %w", token, err)
	}
	return s, nil
}

// Normalize drops empty and duplicate names, keeping first-seen order.
func Normalize(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Digest returns the canonical, order-independent encoding of a table set.
func Digest(tables []string) string {
	if len(tables) == 0 {
		return ""
	}
	tokens := make([]string, 0, len(tables))
	for _, table := range tables {
		tokens = append(tokens, Encode(table))
	}
	slices.Sort(tokens)
	tokens = slices.Compact(tokens)
	return strings.Join(tokens, digestSep)
}

// SplitDigest returns the encoded table tokens of a digest.
func SplitDigest(digest string) []string {
	if digest == "" {
		return nil
	}
	return strings.Split(digest, digestSep)
}

// Ref identifies one cache entry and everything needed to rebuild its keys.
type Ref struct {
	Kind        Kind
	Auto        bool
	Digest      string
	Fingerprint string
}

// NewRef builds the ref for an entry depending on the given tables.
// Auto-invalidation is active iff at least one table is given.
func NewRef(kind Kind, fingerprint string, tables []string) Ref {
	tables = Normalize(tables)
	return Ref{
		Kind:        kind,
		Auto:        len(tables) > 0,
		Digest:      Digest(tables),
		Fingerprint: fingerprint,
	}
}

// EntryKey returns the key the entry value is stored under.
func (r Ref) EntryKey() string {
	auto, digest := "0", ""
	if r.Auto {
		auto, digest = "1", r.Digest
	}
	return strings.Join([]string{entryNamespace, r.Kind.tag(), auto, digest, Encode(r.Fingerprint)}, sep)
}

// IndexKeys returns one index record key per table in the ref's digest.
// Refs without auto-invalidation have none.
func (r Ref) IndexKeys() []string {
	if !r.Auto {
		return nil
	}
	tokens := SplitDigest(r.Digest)
	out := make([]string, 0, len(tokens))
	fp := Encode(r.Fingerprint)
	for _, token := range tokens {
		out = append(out, IndexKey(token, r.Digest, r.Kind, fp))
	}
	return out
}

// TagKey returns the tag map key for tag refs and "" otherwise.
func (r Ref) TagKey() string {
	if r.Kind != KindTag {
		return ""
	}
	return TagKey(r.Fingerprint)
}

// TagValue is the tag map value recorded for the ref.
func (r Ref) TagValue() string {
	if !r.Auto {
		return NoTables
	}
	return r.Digest
}

// Tables decodes the table names of the ref's digest.
func (r Ref) Tables() ([]string, error) {
	tokens := SplitDigest(r.Digest)
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		name, err := Decode(token)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// TagKey returns the tag map key for a raw tag.
func TagKey(tag string) string {
	return tagNamespace + sep + Encode(tag)
}

// IndexKey assembles an index record key from already encoded parts.
func IndexKey(tableToken, digest string, kind Kind, fingerprintToken string) string {
	return strings.Join([]string{indexNamespace, tableToken, digest, kind.tag(), fingerprintToken}, sep)
}

// IndexPrefix returns the prefix enumerating every record of a raw table name.
func IndexPrefix(table string) string {
	return indexNamespace + sep + Encode(table) + sep
}

// IndexNamespace returns the prefix shared by all index records.
func IndexNamespace() string {
	return indexNamespace + sep
}

// IndexRecord is a parsed index record key.
type IndexRecord struct {
	TableToken       string
	Digest           string
	Kind             Kind
	FingerprintToken string
}

// ParseIndexKey parses an index record key. Anything other than exactly
// five well-formed parts under the index namespace is rejected.
func ParseIndexKey(key string) (IndexRecord, error) {
	parts := strings.Split(key, sep)
	if len(parts) != 5 || parts[0] != indexNamespace {
		return IndexRecord{}, fmt.Errorf("%w: %q", ErrMalformedIndexKey, key)
	}
	kind, ok := parseKind(parts[3])
	if !ok {
		return IndexRecord{}, fmt.Errorf("%w: unknown kind in %q", ErrMalformedIndexKey, key)
	}
	rec := IndexRecord{
		TableToken:       parts[1],
		Digest:           parts[2],
		Kind:             kind,
		FingerprintToken: parts[4],
	}
	if rec.TableToken == "" || rec.Digest == "" || rec.FingerprintToken == "" {
		return IndexRecord{}, fmt.Errorf("%w: empty segment in %q", ErrMalformedIndexKey, key)
	}
	if !slices.Contains(SplitDigest(rec.Digest), rec.TableToken) {
		return IndexRecord{}, fmt.Errorf("%w: table not in digest in %q", ErrMalformedIndexKey, key)
	}
	for _, token := range append(SplitDigest(rec.Digest), rec.FingerprintToken) {
		if token == "" || token != Encode(mustDecode(token)) {
			return IndexRecord{}, fmt.Errorf("%w: bad token in %q", ErrMalformedIndexKey, key)
		}
	}
	return rec, nil
}

// Ref rebuilds the entry ref the record points at.
func (rec IndexRecord) Ref() Ref {
	return Ref{
		Kind:        rec.Kind,
		Auto:        true,
		Digest:      rec.Digest,
		Fingerprint: mustDecode(rec.FingerprintToken),
	}
}

// mustDecode returns "" for undecodable tokens; callers compare the
// re-encoded value so an invalid token never round-trips.
func mustDecode(token string) string {
	s, err := url.PathUnescape(token)
	if err != nil {
		return ""
	}
	return s
}
