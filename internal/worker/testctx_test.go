package worker

import (
	"context"
	"testing"
)

// testContext stands in for t.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
