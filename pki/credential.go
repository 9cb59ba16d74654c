package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNoCertificate is returned when PEM input contains no certificate
	ErrNoCertificate = errors.New("no certificate found in PEM data")

	// ErrNoPrivateKey is returned when PEM input contains no usable private key
	ErrNoPrivateKey = errors.New("no private key found in PEM data")
)

// Credential is a certificate chain together with the private key of the
// leaf certificate. Chain[0] is always the leaf.
type Credential struct {
	Chain []*x509.Certificate
	Key   crypto.Signer
}

// Leaf returns the end certificate of the chain.
func (c *Credential) Leaf() *x509.Certificate {
	return c.Chain[0]
}

// LoadKeyPair loads a credential from separate PEM-encoded certificate and
// key files. The certificate file may contain the full chain.
func LoadKeyPair(certPath, keyPath string) (*Credential, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate %s: %w", certPath, err)
	}
	chain, err := ParseChainPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %s: %w", certPath, err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", keyPath, err)
	}
	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", keyPath, err)
	}

	return &Credential{Chain: chain, Key: key}, nil
}

// LoadFile loads a credential from a single PEM file holding both the
// certificate chain and the private key, the layout of a proxy file.
func LoadFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential %s: %w", path, err)
	}

	var chain []*x509.Certificate
	var key crypto.Signer

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parsing credential %s: %w", path, err)
			}
			chain = append(chain, cert)
		default:
			if key != nil {
				continue
			}
			parsed, err := parseKeyBlock(block)
			if err != nil {
				return nil, fmt.Errorf("parsing credential %s: %w", path, err)
			}
			key = parsed
		}
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificate, path)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, path)
	}

	return &Credential{Chain: chain, Key: key}, nil
}

// EncodePEM serializes the credential in proxy file layout: leaf
// certificate, private key, then the rest of the chain.
func (c *Credential) EncodePEM() ([]byte, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(c.Key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: c.Leaf().Raw,
	})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyDER,
	})...)
	out = append(out, ChainToPEM(c.Chain[1:])...)
	return out, nil
}

// WriteFile writes the credential to path in proxy file layout, readable by
// the owner only.
func (c *Credential) WriteFile(path string) error {
	data, err := c.EncodePEM()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ParseChainPEM parses all CERTIFICATE blocks from PEM data, in order.
func ParseChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}
	return chain, nil
}

// ChainToPEM serializes a certificate chain to PEM, leaf first.
func ChainToPEM(chain []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})...)
	}
	return out
}

// Prepend returns a new chain with cert at the front.
func Prepend(cert *x509.Certificate, chain []*x509.Certificate) []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(chain)+1)
	out = append(out, cert)
	out = append(out, chain...)
	return out
}

func parseKeyPEM(data []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			continue
		}
		return parseKeyBlock(block)
	}
	return nil, ErrNoPrivateKey
}

func parseKeyBlock(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
