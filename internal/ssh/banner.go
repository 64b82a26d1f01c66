package ssh

import (
	"fmt"
	"strings"

	"github.com/mdp/qrterminal/v3"

	"github.com/kty-dev/kty/internal/identity"
	"github.com/kty-dev/kty/internal/openid"
)

const welcome = "Welcome to kty!\r\n"

// loginInstruction renders the device-code prompt: a QR of the
// complete verification URI plus the URL and user code for clients
// that cannot scan it.
func loginInstruction(code *openid.DeviceCode) string {
	var b strings.Builder
	b.WriteString(welcome)
	b.WriteString("\r\n")

	qrterminal.GenerateWithConfig(code.VerificationURIComplete, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     &b,
		HalfBlocks: true,
		QuietZone:  1,
	})

	fmt.Fprintf(&b, "\r\nVisit %s\r\nand enter code %s if the QR code does not work.\r\n",
		code.VerificationURI, code.UserCode)

	return b.String()
}

// invalidIdentityNotice tells a user with a valid OpenID login but no
// cluster User exactly which identity was rejected.
func invalidIdentityNotice(ident *identity.Identity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is not authorized to access this cluster.\r\n", ident.Name)
	if len(ident.Groups) > 0 {
		fmt.Fprintf(&b, "groups: %s\r\n", strings.Join(ident.Groups, ", "))
	}
	b.WriteString("Ask your administrator to create a User for this identity.\r\n")
	return b.String()
}
