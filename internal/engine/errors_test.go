package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/capture"
	"github.com/roach88/arcsim/internal/dispatch"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"dangling", &arc.DanglingAccessError{Holder: 1, Field: "owner", Target: 2}, ErrCodeDanglingAccess},
		{"wrapped dangling", fmt.Errorf("body: %w", &arc.DanglingAccessError{Holder: 1, Field: "f", Target: 2}), ErrCodeDanglingAccess},
		{"construction", &capture.ConstructionError{Code: capture.ErrCodeDuplicateName, Name: "x"}, ErrCodeConstruction},
		{"deallocated", fmt.Errorf("set: %w", arc.ErrDeallocated), ErrCodeDeallocated},
		{"unknown node", arc.ErrUnknownNode, ErrCodeUnknownNode},
		{"root dropped", arc.ErrRootDropped, ErrCodeRootDropped},
		{"frozen", fmt.Errorf("%w: %q", capture.ErrFrozen, "c"), ErrCodeFrozen},
		{"panic", &dispatch.PanicError{Value: "boom"}, ErrCodePanic},
		{"panic with error value", &dispatch.PanicError{Value: &arc.DanglingAccessError{Holder: 1, Field: "f", Target: 2}}, ErrCodeDanglingAccess},
		{"runtime error", &RuntimeError{Code: ErrCodePersist, Message: "disk"}, ErrCodePersist},
		{"anything else", errors.New("network down"), ErrCodeTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRuntimeError_Format(t *testing.T) {
	cause := errors.New("database is closed")

	tests := []struct {
		name string
		err  *RuntimeError
		want string
	}{
		{
			name: "with seq",
			err:  NewPersistError("sess", 7, cause),
			want: "PERSIST_FAILED: persist event: database is closed (session=sess, seq=7)",
		},
		{
			name: "session only",
			err:  &RuntimeError{Code: ErrCodeTask, Message: "failed", Session: "sess"},
			want: "TASK_ERROR: failed (session=sess)",
		},
		{
			name: "bare",
			err:  &RuntimeError{Code: ErrCodeTask, Message: "failed"},
			want: "TASK_ERROR: failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsPersistError(t *testing.T) {
	cause := errors.New("database is closed")
	err := fmt.Errorf("run: %w", NewPersistError("sess", 1, cause))

	assert.True(t, IsPersistError(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsPersistError(cause))
	assert.False(t, IsPersistError(&RuntimeError{Code: ErrCodeTask}))
	assert.False(t, IsPersistError(nil))
}
