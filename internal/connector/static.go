package connector

import (
	"context"
	"io"
)

// Static replays a fixed list of batches. It backs local runs and tests.
type Static struct {
	Batches []Batch
	// Credentials receives the payload passed to LoadCredentials.
	Credentials map[string]any
	// Err, when set, is returned by Next after the batches are exhausted.
	Err error
}

func (s *Static) LoadCredentials(_ context.Context, payload map[string]any) error {
	s.Credentials = payload
	return nil
}

// Run resumes after the batch whose Checkpoint equals *checkpoint, if any.
func (s *Static) Run(_ context.Context, _ Window, checkpoint *string) (BatchIterator, error) {
	start := 0
	if checkpoint != nil {
		for i, b := range s.Batches {
			if b.Checkpoint == *checkpoint {
				start = i + 1
				break
			}
		}
	}
	return &staticIterator{batches: s.Batches[start:], err: s.Err}, nil
}

type staticIterator struct {
	batches []Batch
	err     error
	pos     int
}

func (it *staticIterator) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if it.pos >= len(it.batches) {
		if it.err != nil {
			return Batch{}, it.err
		}
		return Batch{}, io.EOF
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func (it *staticIterator) Close() error { return nil }
