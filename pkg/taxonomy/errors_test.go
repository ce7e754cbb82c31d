package taxonomy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := NewNotFoundError("object/foo")
	assert.Equal(t, "not_found: object/foo: not found", err.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewCommError("drive-03", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsNotFoundError(NewNotFoundError("x")))
	assert.False(t, IsNotFoundError(NewBusyError("x")))
	assert.True(t, IsNoSpaceError(NewNoSpaceError("P00001L5")))
	assert.True(t, IsWouldBlockError(NewWouldBlockError("write_alloc")))
	assert.False(t, IsNotFoundError(errors.New("plain error")))
}

func TestErrorCodeString(t *testing.T) {
	cases := map[ErrorCode]string{
		ErrInvalid:             "invalid",
		ErrNotFound:             "not_found",
		ErrAlreadyExists:       "already_exists",
		ErrNoSpace:             "no_space",
		ErrNoDevice:            "no_device",
		ErrBusy:                "busy",
		ErrWouldBlock:          "would_block",
		ErrComm:                "comm",
		ErrIO:                  "io",
		ErrProtocolUnsupported: "protocol_unsupported",
		ErrNotSupported:        "not_supported",
		ErrFatal:               "fatal",
	}
	for code, want := range cases {
		assert.Equal(t, want, code.String())
	}
}
