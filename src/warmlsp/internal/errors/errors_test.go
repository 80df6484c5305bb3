package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "classified",
			err:  Newf(KindProjectNotFound, "no marker in %q", "/p"),
			want: KindProjectNotFound,
		},
		{
			name: "wrapped classified",
			err:  fmt.Errorf("definition: %w", ErrSessionCrashed),
			want: KindSessionCrashed,
		},
		{
			name: "size limit",
			err:  fmt.Errorf("sync: %w", &DocumentSizeLimitError{Path: "a.ts", Size: 10}),
			want: KindInvalidRequest,
		},
		{
			name: "document not found",
			err:  &DocumentNotFoundError{Path: "a.ts"},
			want: KindInvalidRequest,
		},
		{
			name: "unclassified",
			err:  New("sample"),
			want: KindInternal,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := Wrap(KindRequestTimeout, ErrRequestTimeout, "textDocument/definition")
	assert.True(t, Is(err, ErrRequestTimeout))
	assert.False(t, Is(err, ErrSessionCrashed))

	fresh := &Error{Kind: KindSessionCrashed, Message: "language server exited unexpectedly"}
	assert.True(t, Is(fresh, ErrSessionCrashed))
	assert.True(t, Is(fresh, &Error{Kind: KindSessionCrashed}))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(KindInternal, nil, "nothing"))

	inner := New("boom")
	err := Wrap(KindSpawnFailure, inner, "starting server")
	assert.Equal(t, "starting server: boom", err.Error())
	assert.True(t, Is(err, inner))
}

func TestCustomErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "document not found",
			err:  &DocumentNotFoundError{},
		},
		{
			name: "document size limit",
			err:  &DocumentSizeLimitError{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.err)
			assert.True(t, len(tt.err.Error()) > 0)
		})
	}
}
