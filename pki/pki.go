// Package pki issues the private certificate authority and the server/client
// leaf certificates that secure database transport inside the stack.
//
// Issuance order is enforced by construction: leaves can only be signed by an
// existing Authority, and the two leaves receive serials from a random
// 128-bit allocator scoped to that authority, so serials stay distinct even
// if the leaf count grows.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const rsaKeyBits = 2048

// Validity periods follow common operational practice for a deployment-local
// trust chain: a long-lived CA and shorter-lived leaves.
const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 2 * 365 * 24 * time.Hour
)

// Authority is the self-signed root of trust generated once per deployment.
type Authority struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate

	// CertPEM is the encoded CA certificate, duplicated beside every leaf
	// so consumers hold a complete trust chain.
	CertPEM []byte
	keyPEM  []byte
}

// Leaf is a certificate signed by the deployment Authority.
type Leaf struct {
	Role    string
	KeyPEM  []byte
	CertPEM []byte
	Serial  *big.Int
}

// NewAuthority generates an RSA key pair and a self-signed CA certificate.
func NewAuthority(org string) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{org},
			CommonName:   org + " Internal CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CA key: %w", err)
	}

	return &Authority{
		key:     key,
		cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// IssueServer issues a server-auth leaf for the given common name and hosts.
func (a *Authority) IssueServer(cn string, hosts []string) (*Leaf, error) {
	return a.issue("server", cn, hosts, x509.ExtKeyUsageServerAuth)
}

// IssueClient issues a client-auth leaf for the given common name.
func (a *Authority) IssueClient(cn string) (*Leaf, error) {
	return a.issue("client", cn, nil, x509.ExtKeyUsageClientAuth)
}

func (a *Authority) issue(role, cn string, hosts []string, usage x509.ExtKeyUsage) (*Leaf, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", role, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: a.cert.Subject.Organization,
			CommonName:   cn,
		},
		NotBefore:             now,
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s certificate: %w", role, err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s key: %w", role, err)
	}

	return &Leaf{
		Role:    role,
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Serial:  serial,
	}, nil
}

// randomSerial allocates a random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate certificate serial: %w", err)
	}
	return serial, nil
}

// Bundle is the full set of certificate artifacts for one deployment.
type Bundle struct {
	Authority *Authority
	Server    *Leaf
	Client    *Leaf
}

// IssueBundle creates the CA and both leaves in order. Server hosts receive
// the service name and loopback so in-network and host-local clients verify.
func IssueBundle(org string, serverHosts []string) (*Bundle, error) {
	authority, err := NewAuthority(org)
	if err != nil {
		return nil, err
	}

	server, err := authority.IssueServer("mysql-server", serverHosts)
	if err != nil {
		return nil, err
	}

	client, err := authority.IssueClient("mysql-client")
	if err != nil {
		return nil, err
	}

	if server.Serial.Cmp(client.Serial) == 0 {
		return nil, errors.New("leaf certificates received identical serials")
	}

	return &Bundle{Authority: authority, Server: server, Client: client}, nil
}

// WriteTo materializes the bundle under dir. Private keys are written
// owner-only; certificates are world-readable. The CA certificate is
// duplicated into each leaf's directory for trust-chain completeness.
func (b *Bundle) WriteTo(dir string) error {
	for _, leaf := range []*Leaf{b.Server, b.Client} {
		leafDir := filepath.Join(dir, leaf.Role)
		if err := os.MkdirAll(leafDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s certificate directory: %w", leaf.Role, err)
		}

		files := []struct {
			name    string
			content []byte
			mode    os.FileMode
		}{
			{leaf.Role + "-key.pem", leaf.KeyPEM, 0600},
			{leaf.Role + "-cert.pem", leaf.CertPEM, 0644},
			{"ca-cert.pem", b.Authority.CertPEM, 0644},
		}
		for _, f := range files {
			if err := os.WriteFile(filepath.Join(leafDir, f.name), f.content, f.mode); err != nil {
				return fmt.Errorf("failed to write %s: %w", f.name, err)
			}
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "ca-cert.pem"), b.Authority.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ca-key.pem"), b.Authority.keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write CA key: %w", err)
	}
	return nil
}

// Verify checks that both leaves chain to the bundle's CA and carry distinct
// serials.
func (b *Bundle) Verify() error {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b.Authority.CertPEM) {
		return errors.New("failed to load CA certificate into verification pool")
	}

	for _, leaf := range []*Leaf{b.Server, b.Client} {
		block, _ := pem.Decode(leaf.CertPEM)
		if block == nil || block.Type != "CERTIFICATE" {
			return fmt.Errorf("failed to decode %s certificate PEM", leaf.Role)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse %s certificate: %w", leaf.Role, err)
		}
		if _, err := cert.Verify(x509.VerifyOptions{
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return fmt.Errorf("%s certificate does not chain to deployment CA: %w", leaf.Role, err)
		}
	}

	if b.Server.Serial.Cmp(b.Client.Serial) == 0 {
		return errors.New("server and client certificates share a serial number")
	}
	return nil
}
