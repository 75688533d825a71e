package limitmax

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	t.Parallel()

	running := func(names ...string) func() []string {
		return func() []string { return names }
	}
	cases := []struct {
		name    string
		max     int
		running func() []string
		job     string
		wantErr bool
	}{
		{name: "unlimited", max: 0, running: running("a", "b"), job: "c"},
		{name: "room left", max: 2, running: running("a"), job: "b"},
		{name: "full", max: 2, running: running("a", "b"), job: "c", wantErr: true},
		{name: "own entry not counted", max: 2, running: running("a", "b"), job: "b"},
		{name: "no lister", max: 1, job: "a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := New(tc.max, tc.running).Check(tc.job)
			if tc.wantErr {
				assert.True(t, errors.Is(err, ErrMaxJobsExceeded), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
