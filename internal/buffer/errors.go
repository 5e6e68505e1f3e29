package buffer

import "github.com/tphakala/ephys2osc/internal/errors"

const componentBuffer = "buffer"

var (
	// ErrChannelOutOfRange is returned for a channel id outside the allocated channel set.
	ErrChannelOutOfRange = errors.NewStd("channel out of range")

	// ErrCapacityExceeded is returned when a single block is larger than the channel capacity.
	ErrCapacityExceeded = errors.NewStd("block exceeds channel capacity")

	// ErrBufferOverrun is returned when a push would leave more unconsumed samples than
	// the channel can hold. The block is rejected and the channel is left untouched.
	ErrBufferOverrun = errors.NewStd("channel buffer overrun")

	// ErrInsufficientData is returned by PopAll when a channel holds fewer samples than requested.
	ErrInsufficientData = errors.NewStd("insufficient data")
)

func bufferError(sentinel error) *errors.ErrorBuilder {
	return errors.New(sentinel).
		Component(componentBuffer).
		Category(errors.CategoryBuffer)
}
