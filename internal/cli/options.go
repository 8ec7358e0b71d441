// Package cli parses qcache command lines.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// DefaultConfig is the configuration path used when -config is absent.
const DefaultConfig = "qcache.toml"

// Commands lists the supported subcommands.
var Commands = []string{"get", "put", "invalidate", "prune", "keys"}

// Options holds the global flags and the remaining command line.
type Options struct {
	ConfigPath   string
	StrictConfig bool
	Verbose      bool
	Command      string
	Args         []string
}

// Parse parses the global flags. The first positional argument names the
// subcommand; everything after it is left in Args.
func Parse(args []string) (Options, error) {
	opts := Options{
		ConfigPath: DefaultConfig,
	}

	fs := flag.NewFlagSet("qcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "Path to configuration file (TOML or YAML)")
	fs.StringVar(&opts.ConfigPath, "c", opts.ConfigPath, "Path to configuration file (TOML or YAML)")
	fs.BoolVar(&opts.StrictConfig, "strict-config", false, "Treat configuration warnings as errors")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose logging and cache traces")
	fs.BoolVar(&opts.Verbose, "v", false, "Enable verbose logging and cache traces")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("%w\n\n%s", err, Usage(fs))
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return Options{}, fmt.Errorf("missing command (one of %s)\n\n%s", strings.Join(Commands, ", "), Usage(fs))
	}
	if !slices.Contains(Commands, rest[0]) {
		return Options{}, fmt.Errorf("unknown command %q (one of %s)\n\n%s", rest[0], strings.Join(Commands, ", "), Usage(fs))
	}
	opts.Command = rest[0]
	opts.Args = rest[1:]
	return opts, nil
}

// Command holds the flags of one subcommand. Fields a command does not
// define stay zero.
type Command struct {
	Name      string
	Directive string
	Params    map[string]string
	Tables    []string
	Tags      []string
	Tag       bool
	NoAuto    bool
	TTL       time.Duration
	KeepTTL   bool
	Prefix    string
	Args      []string
}

// ParseCommand parses the flags and positional arguments of name.
func ParseCommand(name string, args []string) (Command, error) {
	cmd := Command{Name: name, Params: map[string]string{}}

	fs := flag.NewFlagSet("qcache "+name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var nargs int
	switch name {
	case "get":
		nargs = 1
		queryFlags(fs, &cmd)
		fs.BoolVar(&cmd.NoAuto, "no-auto", false, "Look up the entry without table dependencies")
	case "put":
		nargs = 2
		queryFlags(fs, &cmd)
		fs.DurationVar(&cmd.TTL, "ttl", 0, "Time to live; the configured default applies when zero")
		fs.BoolVar(&cmd.KeepTTL, "keep-ttl", false, "Keep the expiry of a live previous entry")
	case "invalidate":
		fs.StringVar(&cmd.Directive, "directive", "", "@cache directive whose invalidate and tag options apply")
		fs.Var((*listValue)(&cmd.Tables), "tables", "Comma separated tables that changed")
		fs.Var((*listValue)(&cmd.Tags), "tags", "Comma separated tags to drop")
	case "prune":
	case "keys":
		fs.StringVar(&cmd.Prefix, "prefix", "", "Only list keys starting with prefix")
	default:
		return Command{}, fmt.Errorf("unknown command %q", name)
	}

	if err := fs.Parse(args); err != nil {
		return Command{}, fmt.Errorf("%w\n\n%s", err, Usage(fs))
	}
	cmd.Args = fs.Args()
	if len(cmd.Args) != nargs {
		return Command{}, fmt.Errorf("%s: expected %d arguments, got %d\n\n%s", name, nargs, len(cmd.Args), Usage(fs))
	}
	if name == "invalidate" && cmd.Directive == "" && len(cmd.Tables) == 0 && len(cmd.Tags) == 0 {
		return Command{}, fmt.Errorf("invalidate: nothing to do, pass -tables, -tags or -directive\n\n%s", Usage(fs))
	}
	return cmd, nil
}

func queryFlags(fs *flag.FlagSet, cmd *Command) {
	fs.StringVar(&cmd.Directive, "directive", "", "@cache directive describing the query; the argument is its SQL")
	fs.Var((*paramValue)(&cmd.Params), "param", "Query parameter name=value, repeatable")
	fs.Var((*listValue)(&cmd.Tables), "tables", "Comma separated tables the result depends on")
	fs.BoolVar(&cmd.Tag, "tag", false, "Treat the argument as a tag")
}

// Usage renders the flag defaults of fs.
func Usage(fs *flag.FlagSet) string {
	if fs == nil {
		return ""
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "Usage of %s:\n", fs.Name())
	out := fs.Output()
	fs.SetOutput(&buf)
	fs.PrintDefaults()
	fs.SetOutput(out)
	return buf.String()
}

// listValue accumulates comma separated values across repeated flags.
type listValue []string

func (l *listValue) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listValue) Set(s string) error {
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

type paramValue map[string]string

func (p *paramValue) String() string {
	if p == nil || *p == nil {
		return ""
	}
	keys := make([]string, 0, len(*p))
	for k, v := range *p {
		keys = append(keys, k+"="+v)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

func (p *paramValue) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return errors.New("want name=value")
	}
	(*p)[name] = value
	return nil
}
