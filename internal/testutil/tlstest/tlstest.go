// Package tlstest issues throwaway certificates for daemons in tests. Each
// daemon leaf names its entity (osd.1) as a DNS SAN and its messenger
// addresses as IP SANs, and serves both sides of a mutual TLS session.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
)

// Authority is a test CA written to dir/ca.crt.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	dir    string
	caPath string
	serial atomic.Int64
}

// Leaf is a daemon certificate and key on disk.
type Leaf struct {
	Name     protocol.EntityName
	CertFile string
	KeyFile  string
}

func NewAuthority(t testing.TB, cluster string) *Authority {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cluster + " ca", Organization: []string{cluster}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}

	dir := t.TempDir()
	a := &Authority{cert: cert, key: key, dir: dir, caPath: filepath.Join(dir, "ca.crt")}
	a.serial.Store(1)
	writePEM(t, a.caPath, "CERTIFICATE", der, 0o644)
	return a
}

func (a *Authority) CAFile() string {
	return a.caPath
}

// IssueDaemon signs a leaf for name reachable at addrs. Blank-IP addresses
// contribute no SAN.
func (a *Authority) IssueDaemon(t testing.TB, name protocol.EntityName, addrs ...protocol.EntityAddr) Leaf {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate %s key: %v", name, err)
	}
	var ips []net.IP
	for _, addr := range addrs {
		if addr.IsBlankIP() {
			continue
		}
		ips = append(ips, net.IP(addr.IP.AsSlice()))
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(a.serial.Add(1)),
		Subject: pkix.Name{
			CommonName:         name.String(),
			OrganizationalUnit: []string{name.Type.String()},
			Organization:       a.cert.Subject.Organization,
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{name.String()},
		IPAddresses: ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("sign %s cert: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", name, err)
	}

	leaf := Leaf{
		Name:     name,
		CertFile: filepath.Join(a.dir, name.String()+".crt"),
		KeyFile:  filepath.Join(a.dir, name.String()+".key"),
	}
	writePEM(t, leaf.CertFile, "CERTIFICATE", der, 0o644)
	writePEM(t, leaf.KeyFile, "EC PRIVATE KEY", keyDER, 0o600)
	return leaf
}

// MutualTLS is the session TLS block a daemon holding leaf runs with.
func (a *Authority) MutualTLS(leaf Leaf) session.TLSConfig {
	return session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: leaf.CertFile,
		KeyFile:  leaf.KeyFile,
		CAFile:   a.caPath,
	}
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}
