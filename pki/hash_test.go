package pki

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCAHash_Format(t *testing.T) {
	ca := newTestCA(t, "Test CA")

	hash := CAHash(ca.cert.RawSubject)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), hash)
}

func TestCAHash_Deterministic(t *testing.T) {
	ca := newTestCA(t, "Test CA")

	assert.Equal(t, CAHash(ca.cert.RawSubject), CAHash(ca.cert.RawSubject))
}

func TestCAHash_DistinguishesSubjects(t *testing.T) {
	first := newTestCA(t, "First CA")
	second := newTestCA(t, "Second CA")

	assert.NotEqual(t, CAHash(first.cert.RawSubject), CAHash(second.cert.RawSubject))
}

func TestCAHash_IssuerMatchesCASubject(t *testing.T) {
	ca := newTestCA(t, "Test CA")
	cred := ca.issue(t, "host/source.example.org", time.Hour)

	// The issuer hash of an issued certificate names its CA file
	assert.Equal(t, CAHash(ca.cert.RawSubject), CAHash(cred.Leaf().RawIssuer))
}
