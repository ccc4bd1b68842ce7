package helpers

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	errA := fmt.Errorf("config path=/etc/hub%%20agent.hcl")
	cases := []struct {
		name   string
		input  []error
		expect string
	}{
		{"empty", nil, ""},
		{"all-nil", []error{nil, nil}, ""},
		{"single", []error{nil, errA}, "config path=/etc/hub%20agent.hcl"},
		{"percent-kept", []error{errA, fmt.Errorf("broker 100%% empty")}, "config path=/etc/hub%20agent.hcl\nbroker 100% empty"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			err := FoldErrors(c.input)
			if c.expect == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, c.expect)
		})
	}
	assert.Equal(t, errA, errors.Cause(FoldErrors([]error{errA})))
}
