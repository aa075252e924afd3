// Package tls provides a self-signed certificate for the control API so
// that a browser UI on another machine on the LAN can reach it over HTTPS.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certName = "voicediary.crt"
	keyName  = "voicediary.key"

	validity = 365 * 24 * time.Hour
	// renewBefore regenerates a certificate this close to expiry.
	renewBefore = 24 * time.Hour
)

// GenerateOrLoad returns a server config using the certificate in certDir,
// creating a new one if it is missing, unreadable, or about to expire.
// The certificate covers localhost, hostnames, and the machine's IPs.
func GenerateOrLoad(certDir string, hostnames []string, logger *slog.Logger) (*tls.Config, error) {
	if certDir == "" {
		return nil, errors.New("certificate directory is empty")
	}
	certFile := filepath.Join(certDir, certName)
	keyFile := filepath.Join(certDir, keyName)

	cert, expires, err := load(certFile, keyFile)
	switch {
	case err == nil && time.Until(expires) > renewBefore:
		logger.Info("loaded existing TLS certificate", "expires", expires)
		return serverConfig(cert), nil
	case err == nil:
		logger.Info("TLS certificate expiring, regenerating", "expires", expires)
	case !errors.Is(err, os.ErrNotExist):
		logger.Warn("TLS certificate unreadable, regenerating", "error", err)
	}

	if err := generate(certFile, keyFile, hostnames, logger); err != nil {
		return nil, err
	}
	cert, _, err = load(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load generated cert: %w", err)
	}
	return serverConfig(cert), nil
}

func serverConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

func load(certFile, keyFile string) (tls.Certificate, time.Time, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, leaf.NotAfter, nil
}

func generate(certFile, keyFile string, hostnames []string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(certFile), 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"voicediary (self-signed)"},
			CommonName:   "voicediary control API",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              append([]string{"localhost"}, hostnames...),
		IPAddresses:           localIPs(),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certFile, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	if err := writePEM(keyFile, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}

	logger.Info("generated self-signed TLS certificate",
		"cert", certFile,
		"hostnames", template.DNSNames,
		"expires", template.NotAfter,
	)
	return nil
}

func localIPs() []net.IP {
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	addrs, _ := net.InterfaceAddrs()
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
