package rkerror_test

import (
	"context"
	"testing"

	"github.com/pg-sharding/rangekeeper/pkg/models/rkerror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	assert := assert.New(t)

	err := rkerror.Newf(rkerror.RK_RANGE_NOT_OWNED_BY_DONOR, "range %s is owned by %s", "[0, 10)", "shB")
	assert.Equal("RangeNotOwnedByDonor: range [0, 10) is owned by shB", err.Error())
	assert.Equal(rkerror.RK_RANGE_NOT_OWNED_BY_DONOR, err.Code())
}

func TestIsWalksChain(t *testing.T) {
	assert := assert.New(t)

	timeout := rkerror.New(rkerror.RK_EXCEEDED_TIME_LIMIT, "catch up took too long")
	aborted := rkerror.Wrapf(rkerror.RK_MIGRATION_ABORTED, timeout, "migration %s aborted", "m1")
	wrapped := errors.Wrap(aborted, "move chunk")

	assert.True(rkerror.Is(wrapped, rkerror.RK_MIGRATION_ABORTED))
	assert.True(rkerror.Is(wrapped, rkerror.RK_EXCEEDED_TIME_LIMIT))
	assert.False(rkerror.Is(wrapped, rkerror.RK_STALE_VERSION))
	assert.Equal(rkerror.RK_MIGRATION_ABORTED, rkerror.CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(rkerror.RK_UNEXPECTED, rkerror.CodeOf(context.Canceled))
	assert.False(rkerror.Is(nil, rkerror.RK_UNEXPECTED))
	assert.Equal("Unexpected error", rkerror.GetMessageByCode("nope"))
}
