// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saltstack/salt/grains"
)

// shellResult is the decomposed outcome of one shell command.
type shellResult struct {
	Stdout  string `cbor:"stdout" yaml:"stdout"`
	Stderr  string `cbor:"stderr" yaml:"stderr"`
	Retcode int    `cbor:"retcode" yaml:"retcode"`
}

func runShell(ctx context.Context, command string, kwargs map[string]any) (*shellResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if cwd, ok := kwargs["cwd"].(string); ok {
		cmd.Dir = cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := &shellResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %q: %w", command, err)
		}
		result.Retcode = exitErr.ExitCode()
	}
	result.Stdout = strings.TrimRight(stdout.String(), "\n")
	result.Stderr = strings.TrimRight(stderr.String(), "\n")
	return result, nil
}

func registerCore(r *Registry) {
	r.Register("test.ping", "Return true to confirm the minion is responding.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return true, nil
		})
	r.Register("test.echo", "Return the first argument unchanged.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("test.echo needs an argument")
			}
			return args[0], nil
		})
	r.Register("test.version", "Return the minion's version.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return grains.Version, nil
		})
	r.Register("test.sleep", "Sleep the given number of seconds, then return true.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("test.sleep needs a duration in seconds")
			}
			var seconds float64
			switch value := args[0].(type) {
			case int:
				seconds = float64(value)
			case float64:
				seconds = value
			default:
				return nil, fmt.Errorf("test.sleep argument must be a number, got %T", args[0])
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				return true, nil
			}
		})
	r.Register("test.arg", "Return the received arguments, for wiring checks.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return map[string]any{"args": args, "kwargs": kwargs}, nil
		})

	r.Register("cmd.run", "Run a shell command and return its stdout.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			command, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			result, err := runShell(ctx, command, kwargs)
			if err != nil {
				return nil, err
			}
			return result.Stdout, nil
		})
	r.Register("cmd.run_all", "Run a shell command and return stdout, stderr and retcode.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			command, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			return runShell(ctx, command, kwargs)
		})
	r.Register("cmd.retcode", "Run a shell command and return its exit code.",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			command, err := argString(args, 0)
			if err != nil {
				return nil, err
			}
			result, err := runShell(ctx, command, kwargs)
			if err != nil {
				return nil, err
			}
			return result.Retcode, nil
		})

	r.Register("http.query", "Fetch a URL; decode: json or yaml decodes the body.",
		moduleHTTPQuery)
}

// moduleHTTPQuery wraps net/http for SLS and CLI use. The response map
// carries the status code, the raw body, and a decoded "dict" when a
// decode type was requested.
func moduleHTTPQuery(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	url, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	method := "GET"
	if m, ok := kwargs["method"].(string); ok {
		method = strings.ToUpper(m)
	}
	var body io.Reader
	if data, ok := kwargs["data"].(string); ok {
		body = strings.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http.query: %w", err)
	}
	if header, ok := kwargs["header_dict"].(map[string]any); ok {
		for key, value := range header {
			request.Header.Set(key, fmt.Sprint(value))
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("http.query: %w", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("http.query: reading body: %w", err)
	}

	result := map[string]any{
		"status": response.StatusCode,
		"body":   string(raw),
	}
	if decode, ok := kwargs["decode_type"].(string); ok {
		var decoded any
		switch decode {
		case "json", "yaml":
			// YAML is a JSON superset, one decoder covers both.
			if err := yaml.Unmarshal(raw, &decoded); err != nil {
				return nil, fmt.Errorf("http.query: decoding %s body: %w", decode, err)
			}
		default:
			return nil, fmt.Errorf("http.query: unknown decode_type %q", decode)
		}
		result["dict"] = decoded
	}
	return result, nil
}
