package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// jsonOutput reports whether results should be printed as JSON.
func jsonOutput(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// output prints v as JSON when --json or --jq is set, and calls human
// otherwise.
func output(c *cli.Context, v any, human func(w io.Writer)) error {
	if !jsonOutput(c) {
		human(c.App.Writer)
		return nil
	}
	return writeJSON(c.App.Writer, v, c.String("jq"))
}

// writeJSON encodes v to w, one document per jq result when expr is set.
func writeJSON(w io.Writer, v any, expr string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if expr == "" {
		return enc.Encode(v)
	}

	code, err := compileJQ(expr)
	if err != nil {
		return err
	}

	// gojq only understands plain JSON values
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode output: %w", err)
	}

	iter := code.Run(data)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				return nil
			}
			return fmt.Errorf("jq: %w", err)
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// cliLogger logs errors only, or everything with --debug.
func cliLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelError
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
