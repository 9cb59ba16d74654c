package pki

import (
	"fmt"
	"strings"
)

// CRLMode controls certificate revocation list checking during chain
// validation.
type CRLMode int

const (
	// CRLIfValid uses a CRL when a currently valid one is present in the
	// trust directory and ignores issuers without one.
	CRLIfValid CRLMode = iota

	// CRLRequire fails validation when no valid CRL is present for an
	// issuer on the path.
	CRLRequire

	// CRLIgnore disables revocation checking.
	CRLIgnore
)

func (m CRLMode) String() string {
	switch m {
	case CRLRequire:
		return "REQUIRE"
	case CRLIgnore:
		return "IGNORE"
	default:
		return "IF_VALID"
	}
}

// ParseCRLMode parses a configuration string to a CRLMode.
func ParseCRLMode(mode string) (CRLMode, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "", "IF_VALID":
		return CRLIfValid, nil
	case "REQUIRE":
		return CRLRequire, nil
	case "IGNORE":
		return CRLIgnore, nil
	default:
		return CRLIfValid, fmt.Errorf("unknown crl mode %q", mode)
	}
}

// OCSPMode controls online certificate status checking. Only IGNORE is
// currently implemented; the mode exists so configurations stay portable.
type OCSPMode int

const (
	OCSPIgnore OCSPMode = iota
)

func (m OCSPMode) String() string {
	return "IGNORE"
}

// ParseOCSPMode parses a configuration string to an OCSPMode.
func ParseOCSPMode(mode string) (OCSPMode, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "", "IGNORE":
		return OCSPIgnore, nil
	default:
		return OCSPIgnore, fmt.Errorf("unsupported ocsp mode %q", mode)
	}
}

// NamespaceMode controls CA namespace constraint checking. Constraint files
// are not evaluated yet; modes other than IGNORE are accepted so existing
// trust directories keep working, and are reported by the validator at
// construction.
type NamespaceMode int

const (
	NamespaceIgnore NamespaceMode = iota
	NamespaceEugridpmaGlobus
	NamespaceGlobusEugridpma
)

func (m NamespaceMode) String() string {
	switch m {
	case NamespaceEugridpmaGlobus:
		return "EUGRIDPMA_GLOBUS"
	case NamespaceGlobusEugridpma:
		return "GLOBUS_EUGRIDPMA"
	default:
		return "IGNORE"
	}
}

// ParseNamespaceMode parses a configuration string to a NamespaceMode.
func ParseNamespaceMode(mode string) (NamespaceMode, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "", "IGNORE":
		return NamespaceIgnore, nil
	case "EUGRIDPMA_GLOBUS":
		return NamespaceEugridpmaGlobus, nil
	case "GLOBUS_EUGRIDPMA":
		return NamespaceGlobusEugridpma, nil
	default:
		return NamespaceIgnore, fmt.Errorf("unknown namespace mode %q", mode)
	}
}
