// Package plugin defines the capability interfaces the engine calls into.
//
// A node declares a kind; the plugin bound to it must implement the
// capability for that kind. Capabilities are resolved once when the graph
// is built, so the engine never type-switches on plugins per token.
package plugin

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/tokenline/internal/ir"
)

// Plugin is implemented by every plugin.
type Plugin interface {
	Name() string
}

// Context describes the token a plugin call is made for.
type Context struct {
	RunID   string
	TokenID string
	NodeID  string
	RowID   string
	Logger  *slog.Logger
}

// Status is the result status of a transform or aggregation call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is what a transform or aggregation returns.
//
// On success, Row carries the output row. Rows, when non-empty, makes the
// call an expansion: one child token per row and Row is ignored.
// On error, Class identifies the error category and feeds the error hash;
// Reason is operator-facing detail.
type Result struct {
	Status    Status
	Row       ir.Row
	Rows      []ir.Row
	Class     string
	Reason    string
	Retryable bool
}

// Success returns a single-row success result.
func Success(row ir.Row) Result {
	return Result{Status: StatusSuccess, Row: row}
}

// Expand returns a multi-row success result.
func Expand(rows ...ir.Row) Result {
	return Result{Status: StatusSuccess, Rows: rows}
}

// Failure returns an error result.
func Failure(class, reason string, retryable bool) Result {
	return Result{Status: StatusError, Class: class, Reason: reason, Retryable: retryable}
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// IsExpansion reports whether the result carries multiple output rows.
func (r Result) IsExpansion() bool {
	return r.OK() && len(r.Rows) > 0
}

// Record is one row emitted by a source. A non-nil Err marks the row as
// invalid; it is quarantined instead of entering the graph.
type Record struct {
	Row   ir.Row
	Err   error
	Class string
}

// Source produces the rows of a run.
type Source interface {
	Plugin
	// Load emits every row in order. It stops and returns emit's error
	// if emit fails.
	Load(ctx context.Context, emit func(Record) error) error
}

// Transform processes one row.
type Transform interface {
	Plugin
	Process(ctx context.Context, row ir.Row, pc Context) Result
}

// Gate evaluates a routing condition against a row.
type Gate interface {
	Plugin
	// Classification is the static result type of the condition.
	Classification() ir.RouteKind
	// Evaluate returns a bool for boolean gates or a string label for
	// label gates.
	Evaluate(ctx context.Context, row ir.Row, pc Context) (any, error)
}

// Aggregation combines a batch of rows into one.
type Aggregation interface {
	Plugin
	Aggregate(ctx context.Context, rows []ir.Row, pc Context) Result
}

// Sink writes rows out of the pipeline.
type Sink interface {
	Plugin
	Write(ctx context.Context, row ir.Row, pc Context) error
}

// Flusher is implemented by sinks that buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Classifier is implemented by errors that carry a stable class for
// error hashing.
type Classifier interface {
	ErrorClass() string
}

// Retryable is implemented by errors that know whether a retry may help.
type Retryable interface {
	Retryable() bool
}

// ErrorClass returns the class used for err's error hash.
func ErrorClass(err error) string {
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return "error"
}

// IsRetryable reports the retry hint carried by err.
func IsRetryable(err error) bool {
	var r Retryable
	return errors.As(err, &r) && r.Retryable()
}
