package cli

import (
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseDefaults(t *testing.T) {
	opts, err := Parse([]string{"prune"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	want := Options{ConfigPath: DefaultConfig, Command: "prune", Args: []string{}}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestParseOverrides(t *testing.T) {
	args := []string{
		"--config", "cache.yaml",
		"--strict-config",
		"-v",
		"get", "-tag", "users",
	}

	opts, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	want := Options{
		ConfigPath:   "cache.yaml",
		StrictConfig: true,
		Verbose:      true,
		Command:      "get",
		Args:         []string{"-tag", "users"},
	}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHelp(t *testing.T) {
	_, err := Parse([]string{"--help"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	if !strings.Contains(err.Error(), "Usage of qcache") {
		t.Fatalf("help output missing usage: %q", err.Error())
	}
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing", args: nil, want: "missing command"},
		{name: "unknown", args: []string{"flush"}, want: `unknown command "flush"`},
		{name: "bad flag", args: []string{"--nope", "prune"}, want: "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse(%v) error = %v, want substring %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		args []string
		want Command
	}{
		{
			name: "get",
			cmd:  "get",
			args: []string{"-tables", "users, orders", "-tables", "items", "-no-auto", "fp"},
			want: Command{
				Name:   "get",
				Params: map[string]string{},
				Tables: []string{"users", "orders", "items"},
				NoAuto: true,
				Args:   []string{"fp"},
			},
		},
		{
			name: "put with directive",
			cmd:  "put",
			args: []string{"-directive", "@cache ttl=5s", "-param", "id=7", "-param", "q=a=b", "-keep-ttl", "-ttl", "2s", "SELECT 1", "value"},
			want: Command{
				Name:      "put",
				Directive: "@cache ttl=5s",
				Params:    map[string]string{"id": "7", "q": "a=b"},
				TTL:       2 * time.Second,
				KeepTTL:   true,
				Args:      []string{"SELECT 1", "value"},
			},
		},
		{
			name: "invalidate",
			cmd:  "invalidate",
			args: []string{"-tags", "home", "-tables", "users"},
			want: Command{
				Name:   "invalidate",
				Params: map[string]string{},
				Tables: []string{"users"},
				Tags:   []string{"home"},
				Args:   []string{},
			},
		},
		{
			name: "keys",
			cmd:  "keys",
			args: []string{"-prefix", "entry:"},
			want: Command{Name: "keys", Params: map[string]string{}, Prefix: "entry:", Args: []string{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.cmd, tt.args)
			if err != nil {
				t.Fatalf("ParseCommand returned error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("command mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCommandRejects(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		args []string
		want string
	}{
		{name: "get without fingerprint", cmd: "get", args: nil, want: "expected 1 arguments, got 0"},
		{name: "put without value", cmd: "put", args: []string{"fp"}, want: "expected 2 arguments, got 1"},
		{name: "prune with args", cmd: "prune", args: []string{"x"}, want: "expected 0 arguments"},
		{name: "empty invalidate", cmd: "invalidate", args: nil, want: "nothing to do"},
		{name: "bad param", cmd: "get", args: []string{"-param", "novalue", "fp"}, want: "want name=value"},
		{name: "bad ttl", cmd: "put", args: []string{"-ttl", "soon", "fp", "v"}, want: "invalid value"},
		{name: "unknown", cmd: "flush", want: "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand(tt.cmd, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ParseCommand error = %v, want substring %q", err, tt.want)
			}
		})
	}
}
