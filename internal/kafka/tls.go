package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"software.sslmate.com/src/go-pkcs12"

	"meshgw/pkg/types"
)

// NewTLSConfig builds the client TLS configuration from the PKCS#12 trust and
// key stores. It returns nil when the security protocol is not SSL.
func NewTLSConfig(security types.KafkaSecurity, logger zerolog.Logger) (*tls.Config, error) {
	if !strings.EqualFold(security.Protocol, "SSL") {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if loc := security.SSL.Truststore.Location; loc != "" {
		pool, err := loadTruststore(loc, security.SSL.Truststore.Password, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load truststore: %w", err)
		}
		tlsConfig.RootCAs = pool
	}

	if loc := security.SSL.Keystore.Location; loc != "" {
		password := security.SSL.Keystore.KeyPassword
		if password == "" {
			password = security.SSL.Keystore.Password
		}
		cert, err := loadKeystore(loc, password, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load keystore: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadTruststore(filename, password string, logger zerolog.Logger) (*x509.CertPool, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 truststore (check password): %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in truststore %s", filename)
	}

	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
		logger.Debug().Str("subject", cert.Subject.CommonName).Msg("Added CA certificate")
	}
	return pool, nil
}

func loadKeystore(filename, password string, logger zerolog.Logger) (tls.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return tls.Certificate{}, err
	}
	privateKey, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode PKCS#12 keystore (check password): %w", err)
	}
	if privateKey == nil || cert == nil {
		return tls.Certificate{}, errors.New("no private key or certificate found in keystore")
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  privateKey,
		Leaf:        cert,
	}
	for _, ca := range chain {
		tlsCert.Certificate = append(tlsCert.Certificate, ca.Raw)
	}
	logger.Info().Str("subject", cert.Subject.CommonName).Msg("Loaded client certificate")
	return tlsCert, nil
}

func newDialer(config *types.KafkaConfig, logger zerolog.Logger) (*kafka.Dialer, error) {
	tlsConfig, err := NewTLSConfig(config.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	return &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       tlsConfig,
	}, nil
}
