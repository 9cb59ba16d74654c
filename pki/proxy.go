package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/stephnangue/gsigate/helper"
)

// DefaultProxyLifetime bounds the validity of a generated proxy certificate.
// The proxy never outlives the credential it derives from.
const DefaultProxyLifetime = 12 * time.Hour

const proxyKeyBits = 2048

var (
	oidCommonName            = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidProxyCertInfo         = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 14}
	oidProxyPolicyInheritAll = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 21, 1}
)

type proxyPolicy struct {
	PolicyLanguage asn1.ObjectIdentifier
}

type proxyCertInfo struct {
	ProxyPolicy proxyPolicy
}

// IsProxy reports whether the certificate carries a proxyCertInfo extension.
func IsProxy(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidProxyCertInfo) {
			return true
		}
	}
	return false
}

// NewProxy derives a proxy credential from cred: a fresh keypair whose
// certificate chains directly under the credential's leaf. The resulting
// chain always has length > 1; some peers reject bare end-entity chains.
func NewProxy(cred *Credential, lifetime time.Duration) (*Credential, error) {
	key, err := rsa.GenerateKey(rand.Reader, proxyKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating proxy key: %w", err)
	}

	cert, err := issueProxyCert(cred, key.Public(), lifetime)
	if err != nil {
		return nil, err
	}

	return &Credential{Chain: Prepend(cert, cred.Chain), Key: key}, nil
}

// NewProxyRequest generates a keypair and a PKCS#10 certificate signing
// request for a proxy to be issued under the given chain. The caller keeps
// the key until the signed certificate comes back.
func NewProxyRequest(chain []*x509.Certificate) ([]byte, crypto.Signer, error) {
	if len(chain) == 0 {
		return nil, nil, ErrNoCertificate
	}

	key, err := rsa.GenerateKey(rand.Reader, proxyKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating request key: %w", err)
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "proxy"},
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating proxy request: %w", err)
	}

	return csr, key, nil
}

// ParseProxyRequest parses a CSR from DER or PEM bytes and verifies its
// self-signature.
func ParseProxyRequest(data []byte) (*x509.CertificateRequest, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy request: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("proxy request signature: %w", err)
	}
	return csr, nil
}

// SignProxyRequest issues a proxy certificate for the CSR's public key under
// the issuer credential and returns the full chain, new certificate first.
func SignProxyRequest(request []byte, issuer *Credential, lifetime time.Duration) ([]*x509.Certificate, error) {
	csr, err := ParseProxyRequest(request)
	if err != nil {
		return nil, err
	}

	cert, err := issueProxyCert(issuer, csr.PublicKey, lifetime)
	if err != nil {
		return nil, err
	}

	return Prepend(cert, issuer.Chain), nil
}

func issueProxyCert(issuer *Credential, pub crypto.PublicKey, lifetime time.Duration) (*x509.Certificate, error) {
	if lifetime <= 0 {
		lifetime = DefaultProxyLifetime
	}
	leaf := issuer.Leaf()

	serial, err := helper.GenerateSerial()
	if err != nil {
		return nil, fmt.Errorf("generating proxy serial: %w", err)
	}

	rawSubject, err := proxySubject(leaf, serial.String())
	if err != nil {
		return nil, fmt.Errorf("building proxy subject: %w", err)
	}

	pciValue, err := asn1.Marshal(proxyCertInfo{
		ProxyPolicy: proxyPolicy{PolicyLanguage: oidProxyPolicyInheritAll},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding proxyCertInfo: %w", err)
	}

	now := time.Now()
	notAfter := now.Add(lifetime)
	if notAfter.After(leaf.NotAfter) {
		notAfter = leaf.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		RawSubject:   rawSubject,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtraExtensions: []pkix.Extension{{
			Id:       oidProxyCertInfo,
			Critical: true,
			Value:    pciValue,
		}},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, leaf, pub, issuer.Key)
	if err != nil {
		return nil, fmt.Errorf("signing proxy certificate: %w", err)
	}

	return x509.ParseCertificate(der)
}

// proxySubject appends CN=<serial> to the issuer's subject, the RFC 3820
// naming rule for proxy certificates.
func proxySubject(issuer *x509.Certificate, serial string) ([]byte, error) {
	var seq pkix.RDNSequence
	if _, err := asn1.Unmarshal(issuer.RawSubject, &seq); err != nil {
		return nil, err
	}
	seq = append(seq, pkix.RelativeDistinguishedNameSET{{
		Type:  oidCommonName,
		Value: serial,
	}})
	return asn1.Marshal(seq)
}
