package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.GetTimestamp().IsZero())
	assert.Nil(t, ee.GetContext())
}

func TestBuilderSetsFields(t *testing.T) {
	t.Parallel()

	ee := Newf("socket %s failed", "data").
		Component("zmqlink").
		Category(CategoryNetwork).
		Priority(PriorityHigh).
		EndpointContext("tcp://localhost:5556", 2*time.Second).
		Context("attempt", 3).
		Build()

	assert.Equal(t, "socket data failed", ee.GetMessage())
	assert.Equal(t, "zmqlink", ee.GetComponent())
	assert.Equal(t, "network", ee.GetCategory())
	assert.Equal(t, PriorityHigh, ee.GetPriority())

	ctx := ee.GetContext()
	assert.Equal(t, "tcp://localhost:5556", ctx["endpoint"])
	assert.InDelta(t, 2.0, ctx["timeout_seconds"], 0.001)
	assert.Equal(t, 3, ctx["attempt"])

	// returned context is a copy
	ctx["attempt"] = 4
	assert.Equal(t, 3, ee.GetContext()["attempt"])
}

func TestInvalidPriorityFallsBackToMedium(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("x")).Priority("urgent").Build()
	assert.Equal(t, PriorityMedium, ee.Priority)
}

func TestWrappedSentinelMatching(t *testing.T) {
	t.Parallel()

	sentinel := New(NewStd("insufficient data")).
		Component("buffer").
		Category(CategoryBuffer).
		Build()
	other := New(NewStd("out of range")).
		Component("buffer").
		Category(CategoryBuffer).
		Build()

	wrapped := New(sentinel).
		Component("buffer").
		Context("requested", 10).
		Build()

	require.True(t, Is(wrapped, sentinel))
	assert.False(t, Is(wrapped, other))
	assert.Equal(t, CategoryBuffer, wrapped.Category, "category is inherited from the wrapped error")
	assert.True(t, IsCategory(wrapped, CategoryBuffer))
	assert.False(t, IsCategory(wrapped, CategoryNetwork))
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	timeout := Newf("no data").Category(CategoryTimeout).Build()

	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{name: "nil", err: nil, want: CategoryGeneric},
		{name: "plain error", err: NewStd("plain"), want: CategoryGeneric},
		{name: "enhanced error", err: timeout, want: CategoryTimeout},
		{name: "wrapped with fmt", err: fmt.Errorf("poll: %w", timeout), want: CategoryTimeout},
		{name: "joined", err: Join(NewStd("first"), timeout), want: CategoryTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestIsCategoryThroughFmtWrap(t *testing.T) {
	t.Parallel()

	err := Newf("factor out of range").Category(CategoryValidation).Build()

	var ee *EnhancedError
	require.True(t, As(fmt.Errorf("outer: %w", err), &ee))
	assert.Equal(t, "factor out of range", ee.Error())
	assert.True(t, IsCategory(fmt.Errorf("outer: %w", err), CategoryValidation))
}
