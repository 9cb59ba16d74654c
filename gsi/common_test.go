package gsi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stephnangue/gsigate/logger"
	"github.com/stephnangue/gsigate/pki"
	"github.com/stephnangue/gsigate/store"
)

// testCA issues the credentials used by the manager tests.
type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newTestCA(t *testing.T, cn string) *testCA {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Grid"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, cn string, lifetime time.Duration, dnsNames ...string) *pki.Credential {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Test Grid"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(lifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:     dnsNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, key.Public(), ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &pki.Credential{Chain: []*x509.Certificate{cert}, Key: key}
}

// writeTrustDir writes the CA certificate to a fresh directory using the
// openssl hash file naming.
func writeTrustDir(t *testing.T, cas ...*testCA) string {
	t.Helper()

	dir := t.TempDir()
	for _, ca := range cas {
		name := pki.CAHash(ca.cert.RawSubject) + ".0"
		data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	return dir
}

// writeKeyPair writes the credential as separate cert and key files and
// returns their paths.
func writeKeyPair(t *testing.T, dir, name string, cred *pki.Credential) (certPath, keyPath string) {
	t.Helper()

	certPath = filepath.Join(dir, name+"cert.pem")
	keyPath = filepath.Join(dir, name+"key.pem")

	require.NoError(t, os.WriteFile(certPath, pki.ChainToPEM(cred.Chain), 0o644))

	keyDER, err := x509.MarshalPKCS8PrivateKey(cred.Key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	return certPath, keyPath
}

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.ErrorLevel,
		Format:  logger.JSONFormat,
		Outputs: []io.Writer{io.Discard},
	})
}

// testEnv bundles the on-disk fixtures a manager needs.
type testEnv struct {
	ca       *testCA
	caDir    string
	hostCred *pki.Credential
	cfg      ManagerConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ca := newTestCA(t, "Test CA")
	caDir := writeTrustDir(t, ca)

	dir := t.TempDir()
	hostCred := ca.issue(t, "host/server.example.org", 24*time.Hour, "server.example.org")
	hostCert, hostKey := writeKeyPair(t, dir, "host", hostCred)

	return &testEnv{
		ca:       ca,
		caDir:    caDir,
		hostCred: hostCred,
		cfg: ManagerConfig{
			CACertificatePath:   caDir,
			HostCertificatePath: hostCert,
			HostKeyPath:         hostKey,
		},
	}
}

func (e *testEnv) newManager(t *testing.T) *Manager {
	t.Helper()
	return e.newManagerWithStore(t, nil)
}

func (e *testEnv) newManagerWithStore(t *testing.T, client store.Client) *Manager {
	t.Helper()
	m, err := NewManager(e.cfg, client, testLogger(t))
	require.NoError(t, err)
	return m
}
