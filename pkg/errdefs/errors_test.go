package errdefs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocibuild/pushcore/pkg/errdefs"
)

var errTest = errors.New("this is a test")

func TestErrors(t *testing.T) {
	testcases := []struct {
		name string
		err  error
	}{
		{"NotFound", errdefs.ErrNotFound},
		{"Conflict", errdefs.ErrConflict},
		{"Unauthorized", errdefs.ErrUnauthorized},
		{"Unavailable", errdefs.ErrUnavailable},
		{"System", errdefs.ErrSystem},
		{"Canceled", errdefs.ErrCanceled},
	}

	for _, tc := range testcases {
		t.Run("NewE_"+tc.name, func(t *testing.T) {
			assert.NotErrorIs(t, errTest, tc.err)
			e := errdefs.NewE(tc.err, errTest)
			assert.ErrorIs(t, e, tc.err)
		})
	}

	for _, tc := range testcases {
		t.Run("Newf_"+tc.name, func(t *testing.T) {
			e := errdefs.Newf(tc.err, "this is a test")
			assert.ErrorIs(t, e, tc.err)
		})
	}
}
