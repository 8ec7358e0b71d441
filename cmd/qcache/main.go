// Package main implements the qcache CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/electwix/qcache"
	"github.com/electwix/qcache/internal/cli"
	"github.com/electwix/qcache/internal/config"
	"github.com/electwix/qcache/internal/directive"
	"github.com/electwix/qcache/internal/logging"
	_ "github.com/electwix/qcache/storage/builtin"
)

// Exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitBackend = 2
	exitMiss    = 3
)

func main() {
	code := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := cli.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stdout, err.Error())
			return exitOK
		}
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitUsage
	}

	cmd, err := cli.ParseCommand(opts.Command, opts.Args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stdout, err.Error())
			return exitOK
		}
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitUsage
	}

	res, err := config.Load(opts.ConfigPath, config.LoadOptions{Strict: opts.StrictConfig})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitUsage
	}

	logger := logging.New(logging.Options{
		Verbose: opts.Verbose,
		Writer:  stderr,
		Format:  res.Plan.LogFormat,
	})
	for _, w := range res.Warnings {
		logger.Warn(w)
	}

	plan := res.Plan.Cache
	if opts.Verbose {
		plan.Debug = true
	}
	c, err := qcache.Open(ctx, plan, qcache.WithLogger(logger))
	if err != nil {
		logger.Error("open cache", slog.String("driver", plan.Storage.Driver), slog.Any("error", err))
		return exitBackend
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("close cache", slog.Any("error", err))
		}
	}()

	code, err := dispatch(ctx, c, cmd, stdout)
	if err != nil {
		var derr *directive.Error
		if errors.As(err, &derr) || errors.Is(err, errUsage) || errors.Is(err, qcache.ErrEmptyFingerprint) {
			_, _ = fmt.Fprintln(stderr, err.Error())
			return exitUsage
		}
		logger.Error(cmd.Name, slog.Any("error", err))
		return exitBackend
	}
	return code
}

var errUsage = errors.New("usage")

func dispatch(ctx context.Context, c *qcache.Cache, cmd cli.Command, stdout io.Writer) (int, error) {
	switch cmd.Name {
	case "get":
		q, _, err := buildQuery(cmd)
		if err != nil {
			return exitUsage, err
		}
		value, ok, err := c.Lookup(ctx, q)
		if err != nil {
			return exitBackend, err
		}
		if !ok {
			return exitMiss, nil
		}
		_, _ = fmt.Fprintln(stdout, string(value))
		return exitOK, nil

	case "put":
		q, ttl, err := buildQuery(cmd)
		if err != nil {
			return exitUsage, err
		}
		if err := c.Store(ctx, q, []byte(cmd.Args[1]), putTTL(ttl, cmd)); err != nil {
			return exitBackend, err
		}
		return exitOK, nil

	case "invalidate":
		m := qcache.Mutation{Tables: cmd.Tables, Tags: cmd.Tags}
		if cmd.Directive != "" {
			d, err := parseDirective(cmd.Directive)
			if err != nil {
				return exitUsage, err
			}
			m.Tables = append(m.Tables, d.Invalidate...)
			if d.Tag != "" {
				m.Tags = append(m.Tags, d.Tag)
			}
		}
		n, err := c.InvalidateTables(ctx, m.Tables...)
		if err != nil {
			return exitBackend, err
		}
		if err := c.InvalidateTags(ctx, m.Tags...); err != nil {
			return exitBackend, err
		}
		_, _ = fmt.Fprintf(stdout, "invalidated %d entries\n", n)
		return exitOK, nil

	case "prune":
		n, err := c.Prune(ctx)
		if err != nil {
			return exitBackend, err
		}
		_, _ = fmt.Fprintf(stdout, "pruned %d entries\n", n)
		return exitOK, nil

	case "keys":
		keys, err := c.Backend().Keys(ctx, cmd.Prefix)
		if err != nil {
			return exitBackend, err
		}
		for _, k := range keys {
			_, _ = fmt.Fprintln(stdout, k)
		}
		return exitOK, nil
	}
	return exitUsage, fmt.Errorf("%w: unknown command %q", errUsage, cmd.Name)
}

// buildQuery derives the query and the directive TTL for get and put. With
// a directive the first argument is SQL and the fingerprint is derived from
// it and the -param values.
func buildQuery(cmd cli.Command) (qcache.Query, qcache.TTL, error) {
	if cmd.Directive == "" {
		q := qcache.Query{Fingerprint: cmd.Args[0], Tables: cmd.Tables, Tag: cmd.Tag}
		if cmd.NoAuto {
			q.AutoInvalidate = new(bool)
		}
		return q, qcache.TTL{}, nil
	}
	d, err := parseDirective(cmd.Directive)
	if err != nil {
		return qcache.Query{}, qcache.TTL{}, err
	}
	q := d.Query(d.Fingerprint(cmd.Args[0], cmd.Params))
	q.Tables = append(q.Tables, cmd.Tables...)
	if cmd.NoAuto {
		q.AutoInvalidate = new(bool)
	}
	return q, d.TTL, nil
}

// putTTL applies the -ttl and -keep-ttl flags on top of the directive TTL.
// A -ttl override keeps the directive's keep_ttl.
func putTTL(base qcache.TTL, cmd cli.Command) qcache.TTL {
	ttl := base
	if cmd.TTL > 0 {
		ttl = qcache.Duration(cmd.TTL)
		ttl.KeepTTL = base.KeepTTL
	}
	if cmd.KeepTTL {
		ttl.KeepTTL = true
	}
	return ttl
}

func parseDirective(line string) (*directive.Directive, error) {
	d, err := directive.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("directive: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %q is not an @cache directive", errUsage, line)
	}
	return d, nil
}
