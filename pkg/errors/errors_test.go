package errors_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := errors.New("something wrong").With("domain", "example.com")
	assert.Equal(t, "something wrong", err.Error())
	assert.Equal(t, "example.com", err.Values["domain"])
	assert.Contains(t, err.StackTrace(), "errors_test.go")
}

func TestWrap(t *testing.T) {
	t.Run("wrap standard error", func(t *testing.T) {
		err := errors.Wrap(io.EOF, "reading feed").With("feed", "openphish")
		assert.Equal(t, "reading feed: EOF", err.Error())
		assert.True(t, errors.Is(err, io.EOF))
		assert.NotEmpty(t, err.StackTrace())
	})

	t.Run("wrap without message keeps cause message", func(t *testing.T) {
		err := errors.Wrap(io.ErrUnexpectedEOF)
		assert.Equal(t, io.ErrUnexpectedEOF.Error(), err.Error())
	})

	t.Run("values of wrapped error are inherited", func(t *testing.T) {
		inner := errors.New("inner").With("a", 1)
		outer := errors.Wrap(inner, "outer").With("b", 2)
		assert.Equal(t, 1, outer.Values["a"])
		assert.Equal(t, 2, outer.Values["b"])
		assert.Equal(t, inner.StackTrace(), outer.StackTrace())
		_, ok := inner.Values["b"]
		assert.False(t, ok)
	})

	t.Run("As finds *Error in fmt wrapped chain", func(t *testing.T) {
		inner := errors.New("inner").With("k", "v")
		wrapped := fmt.Errorf("context: %w", inner)

		var e *errors.Error
		require.True(t, errors.As(wrapped, &e))
		assert.Equal(t, "v", e.Values["k"])
	})
}

func TestEmitSentryWithoutClient(t *testing.T) {
	assert.Equal(t, "", errors.EmitSentry(errors.New("no client")))
	errors.FlushSentry()
}
