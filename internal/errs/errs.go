// Package errs defines the compound error type shared by the ingestion and
// enrichment pipelines. A FetchError carries the failures of the items it
// aggregates; partial success is the normal outcome of a pipeline run.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// FetchError aggregates the errors of a batch operation. Children may
// themselves be FetchErrors; Flatten walks them depth-first.
type FetchError struct {
	Message  string
	Children []error
}

func (e *FetchError) Error() string {
	if len(e.Children) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%d underlying)", e.Message, len(e.Children))
}

// Unwrap exposes the children to errors.Is / errors.As.
func (e *FetchError) Unwrap() []error { return e.Children }

// Flatten returns every leaf error in depth-first order. Nested FetchErrors
// contribute their own leaves, not themselves.
func (e *FetchError) Flatten() []error {
	var out []error
	for _, child := range e.Children {
		var fe *FetchError
		if errors.As(child, &fe) && len(fe.Children) > 0 {
			out = append(out, fe.Flatten()...)
			continue
		}
		out = append(out, child)
	}
	return out
}

// Report renders the flattened children, one per line, for log output.
func (e *FetchError) Report() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, err := range e.Flatten() {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Collector accumulates per-item errors during a batch run.
type Collector struct {
	message string
	errs    []error
}

// NewCollector creates a Collector whose aggregate carries message.
func NewCollector(message string) *Collector {
	return &Collector{message: message}
}

// Add records err; nil is ignored.
func (c *Collector) Add(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

// Addf records a formatted error.
func (c *Collector) Addf(format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf(format, args...))
}

// Len reports how many errors were recorded.
func (c *Collector) Len() int { return len(c.errs) }

// Err returns the aggregate FetchError, or nil when nothing was recorded.
func (c *Collector) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return &FetchError{Message: c.message, Children: c.errs}
}
