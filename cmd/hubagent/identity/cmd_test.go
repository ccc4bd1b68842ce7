package identity

import (
	"bytes"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/hubagent/clock"
	"github.com/temoto/hubagent/hardware/ecc"
	"github.com/temoto/hubagent/helpers"
	"github.com/temoto/hubagent/identity"
	"github.com/temoto/hubagent/log2"
)

func TestPrint(t *testing.T) {
	t.Parallel()

	el, err := ecc.NewSoft(helpers.MustHex("0123a1b2c3d4e5f6ee"))
	require.NoError(t, err)
	id, err := identity.Initialize(el, identity.Options{
		Generate: true,
		Clock:    clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Log:      log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, "sensor42", id))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "device_id=sensor42\ncommon_name=0123A1B2C3D4E5F6EE\n"), out)
	assert.Contains(t, out, "not_before=2024-03-01 not_after=2044-03-01\n")
	assert.Contains(t, out, "thumbprint_sha1="+id.Thumbprint().SHA1+"\n")
	assert.Contains(t, out, "█")

	block, _ := pem.Decode([]byte(out[strings.Index(out, "-----BEGIN"):]))
	require.NotNil(t, block)
	assert.Equal(t, id.Certificate().Raw, block.Bytes)
}
