package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineLoop(t *testing.T) {
	t.Parallel()

	var lines []string
	input := "status\n\n  send hello  \r\nquit"
	require.NoError(t, LineLoop(strings.NewReader(input), func(line string) { lines = append(lines, line) }))
	assert.Equal(t, []string{"status", "send hello", "quit"}, lines)
}
