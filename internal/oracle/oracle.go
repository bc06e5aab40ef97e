// Package oracle answers natural-language trade questions over the ingested
// data and reports them in a form the alert engine can evaluate.
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// Response is the oracle's answer to one question.
type Response struct {
	Answer string `json:"answer"`
	// Facts holds structured values stated in the answer, such as "count"
	// and "value". Absent facts are not present in the map.
	Facts map[string]any `json:"facts,omitempty"`
	// Citations are the source IDs of the records the answer was built on.
	Citations   []string `json:"citations"`
	IsAnomalous bool     `json:"is_anomalous"`
}

// Oracle answers a question, optionally narrowed by metadata filters such as
// {"hs_code": "950300"}.
type Oracle interface {
	Ask(ctx context.Context, question string, filters map[string]string) (Response, error)
}

// OracleError reports a failed Ask. Op names the stage that failed.
type OracleError struct {
	Op  string
	Err error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *OracleError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, question string, filters map[string]string) (Response, error)

func (f Func) Ask(ctx context.Context, question string, filters map[string]string) (Response, error) {
	return f(ctx, question, filters)
}
