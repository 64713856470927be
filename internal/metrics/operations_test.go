package metrics_test

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/xamionex/aurora-server/internal/metrics"
)

func TestContextWithOperations_RoundTrips(t *testing.T) {
	ops, err := metrics.NewOperationMetrics()
	assert.NoError(t, err)

	ctx := metrics.ContextWithOperations(context.Background(), ops)
	assert.Equal(t, ops, metrics.FromContext(ctx))
}

func TestFromContext_AbsentReturnsNil(t *testing.T) {
	assert.Zero(t, metrics.FromContext(context.Background()))
}

func TestRecordOperation_NilReceiverIsNoOp(t *testing.T) {
	var ops *metrics.OperationMetrics
	ops.RecordOperation(context.Background(), "git.clone", "success", 0)
	ops.RecordCount(context.Background(), "cache.hit", 1)
}
