package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goliatone/go-relational-cache/relationalcache"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // lookup failed or found nothing
	ExitCommandError = 2 // bad flags, configuration or data sources
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, ExitFailure when err is
// not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Count writes a single number.
func (f *OutputFormatter) Count(entity string, n int64) error {
	if f.Format == "json" {
		return f.json(map[string]any{"entity": entity, "count": n})
	}
	_, err := fmt.Fprintln(f.Writer, n)
	return err
}

// Records writes one record per line in text mode, a JSON array otherwise.
func (f *OutputFormatter) Records(records []relationalcache.Record) error {
	if f.Format == "json" {
		if records == nil {
			records = []relationalcache.Record{}
		}
		return f.json(records)
	}
	for _, rec := range records {
		if _, err := fmt.Fprintln(f.Writer, formatRecord(rec)); err != nil {
			return err
		}
	}
	return nil
}

// IDs writes sequence values one per line.
func (f *OutputFormatter) IDs(sequence string, ids []int64) error {
	if f.Format == "json" {
		return f.json(map[string]any{"sequence": sequence, "ids": ids})
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(f.Writer, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *OutputFormatter) json(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatRecord renders rec as space separated column=value pairs in column
// order.
func formatRecord(rec relationalcache.Record) string {
	cols := make([]string, 0, len(rec))
	for col := range rec {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, len(cols))
	for i, col := range cols {
		v := rec[col]
		switch tv := v.(type) {
		case nil:
			parts[i] = col + "=NULL"
		case []byte:
			parts[i] = fmt.Sprintf("%s=%q", col, string(tv))
		case string:
			parts[i] = fmt.Sprintf("%s=%q", col, tv)
		default:
			parts[i] = fmt.Sprintf("%s=%v", col, tv)
		}
	}
	return strings.Join(parts, " ")
}
