package kafka

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"meshgw/pkg/types"
)

type stores struct {
	truststore string
	keystore   string
	ca         *x509.Certificate
	leaf       *x509.Certificate
}

func newCert(t *testing.T, cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, isCA bool) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
	} else {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func writeStores(t *testing.T, password string) stores {
	t.Helper()
	dir := t.TempDir()
	ca, caKey := newCert(t, "meshgw-test-ca", nil, nil, true)
	leaf, leafKey := newCert(t, "meshgw-client", ca, caKey, false)

	trust, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{ca}, password)
	require.NoError(t, err)
	keys, err := pkcs12.Modern.Encode(leafKey, leaf, []*x509.Certificate{ca}, password)
	require.NoError(t, err)

	s := stores{
		truststore: filepath.Join(dir, "truststore.p12"),
		keystore:   filepath.Join(dir, "keystore.p12"),
		ca:         ca,
		leaf:       leaf,
	}
	require.NoError(t, os.WriteFile(s.truststore, trust, 0o600))
	require.NoError(t, os.WriteFile(s.keystore, keys, 0o600))
	return s
}

func sslSecurity(s stores, password string) types.KafkaSecurity {
	return types.KafkaSecurity{
		Protocol: "SSL",
		SSL: types.KafkaSSL{
			Truststore: types.KeyStore{Location: s.truststore, Password: password},
			Keystore:   types.KeyStore{Location: s.keystore, Password: password},
		},
	}
}

func TestNewTLSConfigFromPKCS12(t *testing.T) {
	s := writeStores(t, "changeit")
	cfg, err := NewTLSConfig(sslSecurity(s, "changeit"), zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.NotNil(t, cfg.RootCAs)
	require.Len(t, cfg.Certificates, 1)

	cert := cfg.Certificates[0]
	assert.Len(t, cert.Certificate, 2, "leaf plus CA chain")
	assert.Equal(t, "meshgw-client", cert.Leaf.Subject.CommonName)

	_, err = s.leaf.Verify(x509.VerifyOptions{
		Roots:     cfg.RootCAs,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err, "leaf verifies against the loaded truststore")
}

func TestNewTLSConfigKeyPasswordOverride(t *testing.T) {
	s := writeStores(t, "keypass")
	sec := sslSecurity(s, "keypass")
	sec.SSL.Keystore.Password = "wrong"
	sec.SSL.Keystore.KeyPassword = "keypass"
	_, err := NewTLSConfig(sec, zerolog.Nop())
	assert.NoError(t, err)
}

func TestNewTLSConfigErrors(t *testing.T) {
	s := writeStores(t, "changeit")

	cfg, err := NewTLSConfig(types.KafkaSecurity{Protocol: "PLAINTEXT"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = NewTLSConfig(sslSecurity(s, "wrong"), zerolog.Nop())
	assert.ErrorContains(t, err, "check password")

	sec := sslSecurity(s, "changeit")
	sec.SSL.Truststore.Location = filepath.Join(t.TempDir(), "missing.p12")
	_, err = NewTLSConfig(sec, zerolog.Nop())
	assert.ErrorContains(t, err, "truststore")
}

type fakeWriter struct {
	failures []error
	written  []kafka.Message
	calls    int
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestProducerWrite(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(&types.KafkaConfig{Brokers: []string{"localhost:9092"}}, zerolog.Nop())
	p.writer = w

	require.NoError(t, p.WriteMessage(context.Background(), &types.KafkaMessage{
		Topic: "meshgw.decoded", Key: "gw-1/sink0/42", Value: []byte(`{}`),
	}))
	require.NoError(t, p.WriteMessages(context.Background(), []*types.KafkaMessage{
		{Topic: "meshgw.raw", Key: "a", Value: []byte("1")},
		{Topic: "meshgw.raw", Key: "b", Value: []byte("2")},
	}))

	require.Len(t, w.written, 3)
	assert.Equal(t, "meshgw.decoded", w.written[0].Topic)
	assert.Equal(t, []byte("gw-1/sink0/42"), w.written[0].Key)
	assert.Equal(t, []byte("2"), w.written[2].Value)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestProducerRetriesUnknownTopic(t *testing.T) {
	w := &fakeWriter{failures: []error{kafka.UnknownTopicOrPartition}}
	p := NewProducer(&types.KafkaConfig{}, zerolog.Nop())
	p.writer = w

	require.NoError(t, p.WriteMessage(context.Background(), &types.KafkaMessage{Topic: "new.topic"}))
	assert.Equal(t, 2, w.calls)

	w.failures = []error{errors.New("broker down")}
	err := p.WriteMessage(context.Background(), &types.KafkaMessage{Topic: "t"})
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, 3, w.calls, "other errors are not retried")
}

func TestProducerFlushesSingleWritesPromptly(t *testing.T) {
	p := NewProducer(&types.KafkaConfig{Brokers: []string{"localhost:9092"}}, zerolog.Nop())
	require.NoError(t, p.Connect())
	t.Cleanup(func() { _ = p.Close() })

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, writeBatchTimeout, w.BatchTimeout)
	assert.True(t, w.AllowAutoTopicCreation)
}

func TestProducerNotConnected(t *testing.T) {
	p := NewProducer(&types.KafkaConfig{}, zerolog.Nop())
	assert.Error(t, p.WriteMessage(context.Background(), &types.KafkaMessage{}))
	assert.Error(t, p.Connect(), "no brokers")
	assert.NoError(t, p.Close())
}

type fakeReader struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestConsumerRead(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Topic: "meshgw.commands", Key: []byte("gw-1"), Value: []byte(`{"kind":"ping"}`)}}}
	c := NewConsumer(&types.KafkaConfig{}, "meshgw.commands", zerolog.Nop())
	c.reader = r

	msg, err := c.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &types.KafkaMessage{Topic: "meshgw.commands", Key: "gw-1", Value: []byte(`{"kind":"ping"}`)}, msg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ReadMessage(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, c.Close())
	assert.True(t, r.closed)
	assert.Equal(t, "meshgw.commands", c.Topic())
}
