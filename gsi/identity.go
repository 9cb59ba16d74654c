package gsi

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// CheckIdentity verifies that a peer certificate belongs to the named host:
// the name must appear in the certificate's subject DN or match one of its
// subject alternative names.
func CheckIdentity(cert *x509.Certificate, name string) error {
	if strings.Contains(cert.Subject.String(), name) {
		return nil
	}
	if err := cert.VerifyHostname(name); err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIdentityMismatch, name)
}
