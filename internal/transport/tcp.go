// Package transport opens the byte streams the messenger runs its sessions
// over: plain TCP, TLS, or mutual TLS, selected by session.Config.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TCP dials and listens over TCP and wraps connections in TLS when the
// session config enables it.
type TCP struct {
	cfg    session.Config
	logger zerolog.Logger

	clientTLS func() (*tls.Config, error)
	serverTLS func() (*tls.Config, error)
}

func NewTCP(cfg session.Config) *TCP {
	t := &TCP{
		cfg:    cfg,
		logger: observability.Component(log.Logger, "transport"),
	}
	t.clientTLS = sync.OnceValues(t.buildClientTLS)
	t.serverTLS = sync.OnceValues(t.buildServerTLS)
	return t
}

// Dial connects to addr and completes the TLS handshake, if any, within the
// session handshake timeout.
func (t *TCP) Dial(ctx context.Context, addr protocol.EntityAddr) (net.Conn, error) {
	if err := t.cfg.ValidateTransport(session.SideDial); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, err
	}
	if !t.cfg.TLS.Enabled {
		return raw, nil
	}

	base, err := t.clientTLS()
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	cfg := base.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = addr.IP.String()
	}
	conn := tls.Client(raw, cfg)
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		t.logger.Debug().Err(err).Str("peer", addr.String()).Msg("transport: tls handshake failed")
		return nil, err
	}
	return conn, nil
}

// Listen opens a TCP or TLS listener on addr.
func (t *TCP) Listen(addr string) (net.Listener, error) {
	if err := t.cfg.ValidateTransport(session.SideAccept); err != nil {
		return nil, err
	}
	if !t.cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	cfg, err := t.serverTLS()
	if err != nil {
		return nil, err
	}
	l, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	t.logger.Info().
		Str("listen", l.Addr().String()).
		Bool("mutual", cfg.ClientAuth == tls.RequireAndVerifyClientCert).
		Msg("transport: tls listener ready")
	return l, nil
}

// ClientTLSConfig returns the dial-side TLS config, nil when TLS is off.
// Other transports that run over TLS share it.
func (t *TCP) ClientTLSConfig() (*tls.Config, error) {
	if !t.cfg.TLS.Enabled {
		return nil, nil
	}
	cfg, err := t.clientTLS()
	if err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

func (t *TCP) buildClientTLS() (*tls.Config, error) {
	tc := t.cfg.TLS
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tc.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(tc.ServerName),
	}
	if caPath := strings.TrimSpace(tc.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if tc.Mutual {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (t *TCP) buildServerTLS() (*tls.Config, error) {
	tc := t.cfg.TLS
	cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	mode := session.NormalizeSecurityMode(t.cfg.SecurityMode)
	if tc.Mutual || mode == session.SecurityModeProduction {
		pool, err := loadPool(tc.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
