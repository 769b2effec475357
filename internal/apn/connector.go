package apn

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sideshow/apns2/certificate"
)

// Channel selects which gateway service a connection is for.
type Channel int

const (
	ChannelProvider Channel = iota
	ChannelFeedback
)

func (c Channel) String() string {
	if c == ChannelFeedback {
		return "feedback"
	}
	return "provider"
}

// Connector establishes the stream connection for one application identity.
// Tests substitute an in-memory implementation.
type Connector interface {
	Connect(ctx context.Context, identity string, channel Channel) (io.ReadWriteCloser, error)
}

// Credentials locate the TLS client certificate for one identity.
type Credentials struct {
	CertificatePath    string
	PrivateKeyPath     string
	AuthorityChainPath string
	Passphrase         string
}

// LoadCertificate loads a client certificate. A .p12 file is read as PKCS#12;
// a PEM file holding both certificate and key may be given alone; otherwise
// the certificate and private key files are paired. Certificates from the
// authority chain file are appended to the chain.
func LoadCertificate(c Credentials) (tls.Certificate, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case strings.HasSuffix(strings.ToLower(c.CertificatePath), ".p12"):
		cert, err = certificate.FromP12File(c.CertificatePath, c.Passphrase)
	case c.PrivateKeyPath == "" || c.PrivateKeyPath == c.CertificatePath:
		cert, err = certificate.FromPemFile(c.CertificatePath, c.Passphrase)
	default:
		cert, err = tls.LoadX509KeyPair(c.CertificatePath, c.PrivateKeyPath)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load certificate %s: %w", c.CertificatePath, err)
	}

	if c.AuthorityChainPath != "" {
		chain, err := os.ReadFile(c.AuthorityChainPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to read authority chain: %w", err)
		}
		for {
			var block *pem.Block
			block, chain = pem.Decode(chain)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				cert.Certificate = append(cert.Certificate, block.Bytes)
			}
		}
	}
	return cert, nil
}

// TLSConnector dials the gateway over TLS with a per-identity client certificate.
type TLSConnector struct {
	ProviderAddr string
	FeedbackAddr string
	Timeout      time.Duration

	certificates map[string]tls.Certificate
}

// NewTLSConnector returns a connector for the given provider and feedback addresses.
func NewTLSConnector(providerAddr, feedbackAddr string, timeout time.Duration) *TLSConnector {
	return &TLSConnector{
		ProviderAddr: providerAddr,
		FeedbackAddr: feedbackAddr,
		Timeout:      timeout,
		certificates: make(map[string]tls.Certificate),
	}
}

// AddIdentity registers the client certificate used for identity.
func (c *TLSConnector) AddIdentity(identity string, cert tls.Certificate) {
	c.certificates[identity] = cert
}

func (c *TLSConnector) Connect(ctx context.Context, identity string, channel Channel) (io.ReadWriteCloser, error) {
	cert, ok := c.certificates[identity]
	if !ok {
		return nil, fmt.Errorf("no certificate for identity %q", identity)
	}
	addr := c.ProviderAddr
	if channel == ChannelFeedback {
		addr = c.FeedbackAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s address %q: %w", channel, addr, err)
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.Timeout},
		Config: &tls.Config{
			ServerName:   host,
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", channel, addr, err)
	}
	return conn, nil
}
