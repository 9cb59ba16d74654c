package pki

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stephnangue/gsigate/logger"
)

// ErrRevoked is returned when a certificate on the path appears in a CRL.
var ErrRevoked = errors.New("certificate has been revoked")

// ValidatorConfig configures chain validation against an openssl-style
// trust directory (<hash>.0 CA files, <hash>.r0 CRLs).
type ValidatorConfig struct {
	CADir           string
	RefreshInterval time.Duration
	NamespaceMode   NamespaceMode
	CRLMode         CRLMode
	OCSPMode        OCSPMode
}

// Validator validates certificate chains, including proxy chains, against
// the trust anchors in a CA directory. Trust anchors are cached and
// reloaded lazily once the refresh interval elapses; concurrent reloads are
// collapsed into one. Safe for concurrent use.
type Validator struct {
	cfg   ValidatorConfig
	log   logger.Logger
	group singleflight.Group

	anchors atomic.Pointer[trustAnchors]

	clock func() time.Time
}

type trustAnchors struct {
	roots    *x509.CertPool
	count    int
	crls     map[string]*x509.RevocationList // keyed by raw issuer DN
	loadedAt time.Time
}

// NewValidator creates a validator over the given trust directory.
func NewValidator(cfg ValidatorConfig, log logger.Logger) (*Validator, error) {
	if cfg.CADir == "" {
		return nil, errors.New("trust directory path is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 8 * time.Hour
	}
	if cfg.NamespaceMode != NamespaceIgnore {
		log.Warn("namespace constraint files are not evaluated",
			logger.String("mode", cfg.NamespaceMode.String()))
	}
	return &Validator{
		cfg:   cfg,
		log:   log,
		clock: time.Now,
	}, nil
}

// CADir returns the configured trust directory path.
func (v *Validator) CADir() string {
	return v.cfg.CADir
}

// RefreshInterval returns the trust-anchor refresh interval.
func (v *Validator) RefreshInterval() time.Duration {
	return v.cfg.RefreshInterval
}

// Validate checks a certificate chain, leaf first. Proxy links at the front
// of the chain are verified pairwise (naming, validity window, signature);
// the remainder is verified against the cached trust anchors, with CRL
// checking per the configured mode.
func (v *Validator) Validate(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return errors.New("empty certificate chain")
	}

	ta, err := v.trust()
	if err != nil {
		return err
	}

	now := v.clock()

	// Proxy certificates sit in front of the end-entity certificate.
	idx := 0
	for idx < len(chain) && IsProxy(chain[idx]) {
		idx++
	}
	if idx == len(chain) {
		return errors.New("certificate chain contains only proxy certificates")
	}

	for i := 0; i < idx; i++ {
		child, parent := chain[i], chain[i+1]
		if !bytes.Equal(child.RawIssuer, parent.RawSubject) {
			return fmt.Errorf("proxy certificate %q was not issued by %q",
				child.Subject, parent.Subject)
		}
		if now.Before(child.NotBefore) || now.After(child.NotAfter) {
			return fmt.Errorf("proxy certificate %q is outside its validity window", child.Subject)
		}
		if err := parent.CheckSignature(child.SignatureAlgorithm,
			child.RawTBSCertificate, child.Signature); err != nil {
			return fmt.Errorf("proxy certificate %q signature: %w", child.Subject, err)
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[idx+1:] {
		intermediates.AddCert(cert)
	}
	if _, err := chain[idx].Verify(x509.VerifyOptions{
		Roots:         ta.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("certificate chain validation: %w", err)
	}

	if v.cfg.CRLMode != CRLIgnore {
		for _, cert := range chain[idx:] {
			if err := v.checkRevocation(ta, cert, now); err != nil {
				return err
			}
		}
	}

	return nil
}

// Refresh discards the cached trust anchors so the next validation reloads
// the trust directory.
func (v *Validator) Refresh() {
	v.anchors.Store(nil)
}

func (v *Validator) checkRevocation(ta *trustAnchors, cert *x509.Certificate, now time.Time) error {
	crl, ok := ta.crls[string(cert.RawIssuer)]
	if !ok || now.After(crl.NextUpdate) {
		if v.cfg.CRLMode == CRLRequire {
			return fmt.Errorf("no valid CRL for issuer %q", cert.Issuer)
		}
		return nil
	}
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return fmt.Errorf("%w: %q (serial %s)", ErrRevoked, cert.Subject, cert.SerialNumber)
		}
	}
	return nil
}

func (v *Validator) trust() (*trustAnchors, error) {
	cur := v.anchors.Load()
	if cur != nil && v.clock().Sub(cur.loadedAt) < v.cfg.RefreshInterval {
		return cur, nil
	}

	val, err, _ := v.group.Do("trust-anchors", func() (interface{}, error) {
		// Another caller may have finished the reload already
		if again := v.anchors.Load(); again != nil &&
			v.clock().Sub(again.loadedAt) < v.cfg.RefreshInterval {
			return again, nil
		}

		ta, err := v.loadTrustDir()
		if err != nil {
			// Keep serving the stale anchors when the reload fails
			if stale := v.anchors.Load(); stale != nil {
				v.log.Warn("trust anchor refresh failed, keeping previous anchors",
					logger.String("ca_dir", v.cfg.CADir),
					logger.Err(err))
				return stale, nil
			}
			return nil, err
		}

		v.log.Debug("trust anchors loaded",
			logger.String("ca_dir", v.cfg.CADir),
			logger.Int("certificates", ta.count),
			logger.Int("crls", len(ta.crls)))
		v.anchors.Store(ta)
		return ta, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading trust anchors from %s: %w", v.cfg.CADir, err)
	}
	return val.(*trustAnchors), nil
}

func (v *Validator) loadTrustDir() (*trustAnchors, error) {
	entries, err := os.ReadDir(v.cfg.CADir)
	if err != nil {
		return nil, err
	}

	ta := &trustAnchors{
		roots:    x509.NewCertPool(),
		crls:     make(map[string]*x509.RevocationList),
		loadedAt: v.clock(),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(v.cfg.CADir, name)

		switch {
		case isCACertFile(name):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			chain, err := ParseChainPEM(data)
			if err != nil {
				v.log.Warn("skipping unparseable CA file",
					logger.String("path", path), logger.Err(err))
				continue
			}
			for _, cert := range chain {
				ta.roots.AddCert(cert)
				ta.count++
			}
		case isCRLFile(name):
			crl, err := loadCRL(path)
			if err != nil {
				v.log.Warn("skipping unparseable CRL file",
					logger.String("path", path), logger.Err(err))
				continue
			}
			ta.crls[string(crl.RawIssuer)] = crl
		}
	}

	if ta.count == 0 {
		return nil, fmt.Errorf("no CA certificates found in %s", v.cfg.CADir)
	}

	return ta, nil
}

// isCACertFile matches openssl hash-named CA files (<hash>.0 .. <hash>.9)
// and plain PEM certificates.
func isCACertFile(name string) bool {
	ext := filepath.Ext(name)
	if len(ext) == 2 && ext[1] >= '0' && ext[1] <= '9' {
		return true
	}
	return ext == ".pem" || ext == ".crt"
}

// isCRLFile matches openssl hash-named CRLs (<hash>.r0 .. <hash>.r9).
func isCRLFile(name string) bool {
	ext := filepath.Ext(name)
	if len(ext) == 3 && ext[1] == 'r' && ext[2] >= '0' && ext[2] <= '9' {
		return true
	}
	return ext == ".crl"
}

func loadCRL(path string) (*x509.RevocationList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil && strings.Contains(block.Type, "CRL") {
		data = block.Bytes
	}
	return x509.ParseRevocationList(data)
}
