package keys

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeRoundTrip(t *testing.T) {
	inputs := []string{
		"users",
		"public.users",
		"a:b,c",
		"with space",
		"plus+sign",
		"percent%41",
		"slash/and?query=1&x",
		"ünïcödé 表",
		"emoji 🚀",
		"~tilde_under-dot.",
		"!",
		"",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			tok := Encode(in)
			if strings.ContainsAny(tok, ":,+! ") {
				t.Fatalf("Encode(%q) = %q contains a reserved character", in, tok)
			}
			got, err := Decode(tok)
			if err != nil {
				t.Fatalf("Decode(%q): %v", tok, err)
			}
			if got != in {
				t.Errorf("Decode(Encode(%q)) = %q", in, got)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := Decode("%zz"); err == nil {
		t.Fatal("expected error for invalid escape")
	}
}

func TestDigest(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		want   string
	}{
		{name: "empty", tables: nil, want: ""},
		{name: "single", tables: []string{"users"}, want: "users"},
		{name: "sorted", tables: []string{"users", "posts"}, want: "posts,users"},
		{name: "reversed", tables: []string{"posts", "users"}, want: "posts,users"},
		{name: "duplicates", tables: []string{"users", "posts", "users"}, want: "posts,users"},
		{name: "encoded", tables: []string{"a,b", "c d"}, want: "a%2Cb,c%20d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Digest(tt.tables); got != tt.want {
				t.Errorf("Digest(%v) = %q, want %q", tt.tables, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([]string{"b", "", "a", "b", "a"})
	if diff := cmp.Diff([]string{"b", "a"}, got); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}
	if Normalize(nil) != nil {
		t.Error("Normalize(nil) should be nil")
	}
}

func TestRefKeys(t *testing.T) {
	ref := NewRef(KindQuery, "select * from x", []string{"users", "posts", "users"})

	if !ref.Auto {
		t.Fatal("ref with tables should auto-invalidate")
	}
	if got, want := ref.EntryKey(), "entry:q:1:posts,users:select%20%2A%20from%20x"; got != want {
		t.Errorf("EntryKey() = %q, want %q", got, want)
	}
	wantIndex := []string{
		"index:posts:posts,users:q:select%20%2A%20from%20x",
		"index:users:posts,users:q:select%20%2A%20from%20x",
	}
	if diff := cmp.Diff(wantIndex, ref.IndexKeys()); diff != "" {
		t.Errorf("IndexKeys mismatch (-want +got):\n%s", diff)
	}
	if ref.TagKey() != "" {
		t.Error("query refs have no tag key")
	}

	plain := NewRef(KindQuery, "fp", nil)
	if plain.Auto || plain.EntryKey() != "entry:q:0::fp" || plain.IndexKeys() != nil {
		t.Errorf("unexpected plain ref %+v key=%q", plain, plain.EntryKey())
	}

	tag := NewRef(KindTag, "user:1", nil)
	if got := tag.TagKey(); got != "tag:user%3A1" {
		t.Errorf("TagKey() = %q", got)
	}
	if tag.TagValue() != NoTables {
		t.Errorf("TagValue() = %q, want sentinel", tag.TagValue())
	}
}

func TestRefOrderIndependence(t *testing.T) {
	a := NewRef(KindQuery, "fp", []string{"a", "b"})
	b := NewRef(KindQuery, "fp", []string{"b", "a"})
	if a.EntryKey() != b.EntryKey() {
		t.Errorf("EntryKey differs: %q vs %q", a.EntryKey(), b.EntryKey())
	}
}

func TestParseIndexKey(t *testing.T) {
	ref := NewRef(KindTag, "my tag", []string{"users", "posts"})
	for _, key := range ref.IndexKeys() {
		rec, err := ParseIndexKey(key)
		if err != nil {
			t.Fatalf("ParseIndexKey(%q): %v", key, err)
		}
		if diff := cmp.Diff(ref, rec.Ref()); diff != "" {
			t.Errorf("Ref mismatch (-want +got):\n%s", diff)
		}
	}

	bad := []string{
		"",
		"index",
		"index:users:users:q",
		"index:users:users:q:fp:extra",
		"entry:users:users:q:fp",
		"index:users:users:x:fp",
		"index::users:q:fp",
		"index:users::q:fp",
		"index:users:users:q:",
		"index:users:posts:q:fp",
		"index:users:users:q:%zz",
		"index:users:users:q:a b",
	}
	for _, key := range bad {
		t.Run(key, func(t *testing.T) {
			_, err := ParseIndexKey(key)
			if !errors.Is(err, ErrMalformedIndexKey) {
				t.Errorf("ParseIndexKey(%q) error = %v, want ErrMalformedIndexKey", key, err)
			}
		})
	}
}

func TestRefTables(t *testing.T) {
	ref := NewRef(KindQuery, "fp", []string{"b:1", "a b"})
	got, err := ref.Tables()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a b", "b:1"}, got); diff != "" {
		t.Errorf("Tables mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexPrefix(t *testing.T) {
	ref := NewRef(KindQuery, "fp", []string{"users"})
	prefix := IndexPrefix("users")
	if !strings.HasPrefix(ref.IndexKeys()[0], prefix) {
		t.Errorf("%q does not start with %q", ref.IndexKeys()[0], prefix)
	}
	if strings.HasPrefix(IndexKey("users2", "users2", KindQuery, "fp"), prefix) {
		t.Error("prefix must not match a longer table name")
	}
	if !strings.HasPrefix(prefix, IndexNamespace()) {
		t.Error("prefix must be inside the index namespace")
	}
}

func TestKindString(t *testing.T) {
	if KindQuery.String() != "query" || KindTag.String() != "tag" || Kind(9).String() != "Kind(9)" {
		t.Error("unexpected Kind.String output")
	}
}
