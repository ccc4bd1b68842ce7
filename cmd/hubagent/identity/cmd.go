// Package identity prints device certificate details for hub registration.
package identity

import (
	"context"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/skip2/go-qrcode"
	"github.com/temoto/hubagent/cmd/hubagent/subcmd"
	"github.com/temoto/hubagent/identity"
	"github.com/temoto/hubagent/internal/state"
)

const modName = "identity"

var Mod = subcmd.Mod{Name: modName, Usage: "show device id, certificate thumbprint and QR code", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.Config = config
	defer g.StopWait(0)
	id, err := g.Identity()
	if err != nil {
		return errors.Annotate(err, modName)
	}
	return Print(os.Stdout, config.DeviceID, id)
}

// Print writes human readable identity report.
// QR encodes SHA-1 thumbprint, the form hub portal expects for self signed devices.
func Print(w io.Writer, deviceID string, id *identity.Identity) error {
	tp := id.Thumbprint()
	cert := id.Certificate()
	fmt.Fprintf(w, "device_id=%s\n", deviceID)
	fmt.Fprintf(w, "common_name=%s\n", id.CommonName())
	fmt.Fprintf(w, "not_before=%s not_after=%s\n", cert.NotBefore.UTC().Format("2006-01-02"), cert.NotAfter.UTC().Format("2006-01-02"))
	fmt.Fprintf(w, "thumbprint_sha1=%s\n", tp.SHA1)
	fmt.Fprintf(w, "thumbprint_sha256=%s\n", tp.SHA256)

	qr, err := qrcode.New(tp.SHA1, qrcode.Medium)
	if err != nil {
		return errors.Annotate(err, "qrcode")
	}
	if _, err = io.WriteString(w, qr.ToString(false)); err != nil {
		return errors.Trace(err)
	}
	return pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
