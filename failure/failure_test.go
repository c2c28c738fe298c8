package failure

import (
	"fmt"
	"testing"

	"github.com/stellar/go/support/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromKeepsTaggedErrorsThroughWrapping(t *testing.T) {
	base := New(KindAccountNotFound, "Recipient account not found.")
	wrapped := errors.Wrap(base, "probe recipient")

	got := From(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, KindAccountNotFound, got.Kind)
	assert.Equal(t, "Recipient account not found.", got.Reason)
	assert.True(t, Is(wrapped, KindAccountNotFound))
}

func TestFromTurnsUntaggedErrorsIntoInternal(t *testing.T) {
	got := From(fmt.Errorf("boom"))
	require.NotNil(t, got)
	assert.Equal(t, KindInternal, got.Kind)
	assert.Equal(t, GenericReason, got.Reason)
	assert.Contains(t, got.Error(), "boom")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, From(nil))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Is(nil, KindInternal))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTransientNetwork, true},
		{KindSubmission, false},
		{KindValidation, false},
		{KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.kind, "x").Retryable())
		})
	}
}
