package raft

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// RecordBatchReader is a lazily produced, forward-only sequence of record batches.
//
// A reader has exactly one consumer. Consume drains it in place; Detach drains it into a memory backed reader that
// can be handed over to another goroutine. Either operation may only happen once, later attempts return
// ErrReaderConsumed.
type RecordBatchReader struct {
	next    func(ctx context.Context) ([]Record, error)
	claimed atomic.Bool
	done    bool
}

// NewRecordBatchReader creates a reader pulling batches from next. next returns io.EOF once exhausted.
func NewRecordBatchReader(next func(ctx context.Context) ([]Record, error)) *RecordBatchReader {
	return &RecordBatchReader{next: next}
}

// NewMemoryReader creates a reader over batches already held in memory
func NewMemoryReader(batches ...[]Record) *RecordBatchReader {
	i := 0
	return NewRecordBatchReader(func(context.Context) ([]Record, error) {
		for i < len(batches) {
			b := batches[i]
			i++
			if len(b) > 0 {
				return b, nil
			}
		}
		return nil, io.EOF
	})
}

// EmptyReader returns a reader without records, as carried by heartbeats
func EmptyReader() *RecordBatchReader {
	return NewMemoryReader()
}

// Next returns the next batch, or io.EOF when the reader is exhausted
func (r *RecordBatchReader) Next(ctx context.Context) ([]Record, error) {
	if r == nil || r.done || r.next == nil {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := r.next(ctx)
	if errors.Is(err, io.EOF) {
		r.done = true
	}
	return batch, err
}

// Consume drains the reader and returns every record in order
func (r *RecordBatchReader) Consume(ctx context.Context) ([]Record, error) {
	if r == nil {
		return nil, nil
	}
	if !r.claimed.CompareAndSwap(false, true) {
		return nil, ErrReaderConsumed
	}

	var records []Record
	for {
		batch, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
	}
}

// Detach drains the reader into memory and returns a new reader owning the records. The receiver is consumed.
func (r *RecordBatchReader) Detach(ctx context.Context) (*RecordBatchReader, error) {
	records, err := r.Consume(ctx)
	if err != nil {
		return nil, err
	}
	return NewMemoryReader(records), nil
}
