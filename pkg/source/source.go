// Package source describes where raw records come from. A Resource binds a
// record iterator to a logical table name and a write policy; the pipeline
// package drains resources, normalizes their records and loads the result.
package source

import (
	"context"
	"fmt"
	"io"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// RecordSource yields raw records until io.EOF.
type RecordSource interface {
	Next(ctx context.Context) (map[string]any, error)
	Close() error
}

// Resource is one logical table worth of raw data.
type Resource struct {
	// Name is the root table name that ingested records land in.
	Name string
	// Policy defaults to replace when empty.
	Policy tabular.WritePolicy
	// PrimaryKey identifies rows for merge writes.
	PrimaryKey []string
	Source     RecordSource
}

// Error reports a source-access failure for one resource.
type Error struct {
	Resource string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("source %s: %s: %v", e.Resource, e.Detail, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Resource, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FromRecords builds an in-memory resource, mostly for tests and fixtures.
func FromRecords(name string, records []map[string]any) *Resource {
	return &Resource{Name: name, Policy: tabular.WriteReplace, Source: &sliceSource{records: records}}
}

type sliceSource struct {
	records []map[string]any
	pos     int
}

func (s *sliceSource) Next(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceSource) Close() error { return nil }
