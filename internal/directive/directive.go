// Package directive parses @cache annotations attached to SQL queries.
//
// A directive is a single comment line:
//
//	-- @cache ttl=5m tables=users,posts
//	-- @cache tag=feed tables=posts keep_ttl
//	-- @cache pxat=1700000000000 key="user:{id}"
//	-- @cache invalidate=users,sessions
//
// Recognized options are ttl, px, ex, pxat, exat, keep_ttl, tables, tag,
// key and invalidate. Each may appear once.
package directive

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/electwix/qcache"
	"github.com/electwix/qcache/internal/expiry"
	"github.com/electwix/qcache/internal/keys"
)

const marker = "@cache"

// Error reports a malformed directive.
type Error struct {
	Line int
	Col  int
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Msg)
	}
	return fmt.Sprintf("col %d: %s", e.Col, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// Directive is a parsed @cache annotation.
type Directive struct {
	// TTL is zero when the directive names none; the cache default applies.
	TTL expiry.Config
	// Tables the cached result depends on.
	Tables []string
	// Tag, when set, stores the result under a tag instead of a fingerprint.
	Tag string
	// Key is a fingerprint pattern with {param} placeholders.
	Key string
	// Invalidate lists tables a write query mutates.
	Invalidate []string
}

type directiveAST struct {
	Options []*optionAST `parser:"\"@\" \"cache\" @@*"`
}

type optionAST struct {
	Pos    lexer.Position
	Key    string      `parser:"@Ident"`
	Values []*valueAST `parser:"( \"=\" @@ ( \",\" @@ )* )?"`
}

type valueAST struct {
	Pos      lexer.Position
	Duration string `parser:"  @Duration"`
	Number   *int64 `parser:"| @Number"`
	Text     string `parser:"| @(String | Ident)"`
}

var directiveLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[ \t]+`},
	{Name: "Duration", Pattern: `[0-9]+(ms|s|m|h|d)\b`},
	{Name: "Number", Pattern: `-?[0-9]+`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_.\-]*`},
	{Name: "Punct", Pattern: `[@=,]`},
})

var parser = participle.MustBuild[directiveAST](
	participle.Lexer(directiveLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

// Parse parses one comment line. Lines that are not directives yield
// (nil, nil). A leading "--" or "//" comment marker is ignored.
func Parse(line string) (*Directive, error) {
	return parseLine(line, 0)
}

// ParseComments returns the first directive among lines, or nil.
func ParseComments(lines []string) (*Directive, error) {
	for i, line := range lines {
		d, err := parseLine(line, i+1)
		if err != nil || d != nil {
			return d, err
		}
	}
	return nil, nil
}

func parseLine(line string, lineNo int) (*Directive, error) {
	at := strings.Index(line, marker)
	if at < 0 {
		return nil, nil
	}
	if lead := strings.TrimSpace(line[:at]); lead != "" && lead != "--" && lead != "//" {
		return nil, nil
	}
	body := line[at:]
	if rest := body[len(marker):]; rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		// e.g. @cached
		return nil, nil
	}

	tree, err := parser.ParseString("", body)
	if err != nil {
		e := &Error{Line: lineNo, Msg: err.Error(), err: err}
		var perr participle.Error
		if errors.As(err, &perr) {
			e.Col = perr.Position().Column + at
			e.Msg = perr.Message()
		}
		return nil, e
	}

	d, err := build(tree)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Line = lineNo
			e.Col += at
		}
		return nil, err
	}
	return d, nil
}

func build(tree *directiveAST) (*Directive, error) {
	d := &Directive{}
	seen := make(map[string]bool, len(tree.Options))
	for _, opt := range tree.Options {
		name := strings.ToLower(opt.Key)
		if seen[name] {
			return nil, optionError(opt, "duplicate option %q", name)
		}
		seen[name] = true

		if err := apply(d, name, opt); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func apply(d *Directive, name string, opt *optionAST) error {
	switch name {
	case "ttl":
		v, err := single(opt)
		if err != nil {
			return err
		}
		return setTTL(d, opt, ttlValue(v))
	case "px", "ex", "pxat", "exat":
		v, err := single(opt)
		if err != nil {
			return err
		}
		if v.Number == nil {
			return optionError(opt, "%s wants an integer", name)
		}
		n := *v.Number
		cfg := map[string]func(int64) expiry.Config{
			"px":   expiry.Millis,
			"ex":   expiry.Seconds,
			"pxat": expiry.AtMillis,
			"exat": expiry.AtSeconds,
		}[name](n)
		return setTTL(d, opt, &cfg)
	case "keep_ttl":
		keep := true
		if len(opt.Values) > 0 {
			v, err := single(opt)
			if err != nil {
				return err
			}
			b, err := strconv.ParseBool(v.Text)
			if err != nil {
				return optionError(opt, "keep_ttl wants true or false")
			}
			keep = b
		}
		d.TTL.KeepTTL = keep
	case "tables":
		list, err := texts(opt)
		if err != nil {
			return err
		}
		d.Tables = keys.Normalize(list)
	case "invalidate":
		list, err := texts(opt)
		if err != nil {
			return err
		}
		d.Invalidate = keys.Normalize(list)
	case "tag", "key":
		v, err := single(opt)
		if err != nil {
			return err
		}
		text := v.Text
		if text == "" {
			return optionError(opt, "%s wants a name", name)
		}
		if name == "tag" {
			d.Tag = text
		} else {
			d.Key = text
		}
	default:
		return optionError(opt, "unknown option %q", opt.Key)
	}
	return nil
}

func setTTL(d *Directive, opt *optionAST, cfg *expiry.Config) error {
	if cfg == nil {
		return optionError(opt, "ttl wants a duration such as 30s or 5m, or a number of seconds")
	}
	if !d.TTL.IsZero() {
		return optionError(opt, "only one of ttl, px, ex, pxat, exat may be given")
	}
	keep := d.TTL.KeepTTL
	d.TTL = *cfg
	d.TTL.KeepTTL = keep
	return nil
}

func ttlValue(v *valueAST) *expiry.Config {
	switch {
	case v.Duration != "":
		dur, err := parseDuration(v.Duration)
		if err != nil {
			return nil
		}
		cfg := expiry.Duration(dur)
		return &cfg
	case v.Number != nil:
		cfg := expiry.Seconds(*v.Number)
		return &cfg
	default:
		return nil
	}
}

// parseDuration accepts time.ParseDuration units plus "d" for days.
func parseDuration(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func single(opt *optionAST) (*valueAST, error) {
	if len(opt.Values) != 1 {
		return nil, optionError(opt, "%s wants exactly one value", opt.Key)
	}
	return opt.Values[0], nil
}

func texts(opt *optionAST) ([]string, error) {
	if len(opt.Values) == 0 {
		return nil, optionError(opt, "%s wants a list of names", opt.Key)
	}
	out := make([]string, 0, len(opt.Values))
	for _, v := range opt.Values {
		switch {
		case v.Text != "":
			out = append(out, v.Text)
		case v.Number != nil:
			out = append(out, strconv.FormatInt(*v.Number, 10))
		default:
			out = append(out, v.Duration)
		}
	}
	return out, nil
}

func optionError(opt *optionAST, format string, args ...any) error {
	return &Error{Col: opt.Pos.Column, Msg: fmt.Sprintf(format, args...)}
}

// Fingerprint returns the cache fingerprint for a query with the given
// parameters. With a Key pattern the {name} placeholders are substituted;
// without one the fingerprint is sql followed by the sorted parameters.
func (d *Directive) Fingerprint(sql string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)

	if d.Key != "" {
		result := d.Key
		for _, name := range names {
			result = strings.ReplaceAll(result, "{"+name+"}", params[name])
		}
		return result
	}

	var b strings.Builder
	b.WriteString(sql)
	for _, name := range names {
		fmt.Fprintf(&b, "\x00%s=%s", name, params[name])
	}
	return b.String()
}

// Query builds the cache query for a read with the given fingerprint.
// Tagged directives are keyed by their tag.
func (d *Directive) Query(fingerprint string) qcache.Query {
	if d.Tag != "" {
		return qcache.Query{Fingerprint: d.Tag, Tables: d.Tables, Tag: true}
	}
	return qcache.Query{Fingerprint: fingerprint, Tables: d.Tables}
}

// Mutation returns the invalidation a write query triggers.
func (d *Directive) Mutation() qcache.Mutation {
	return qcache.Mutation{Tables: d.Invalidate}
}
