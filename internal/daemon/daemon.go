// Package daemon runs one cluster daemon: a messenger listening on TCP or
// WebSocket, sessions to its configured peers kept alive by heartbeats, and
// an optional HTTP status server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/edgemsgr/internal/auth"
	"github.com/danmuck/edgemsgr/internal/msgr"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/transport"
	"github.com/danmuck/edgemsgr/internal/transport/ws"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

type Daemon struct {
	cfg    Config
	self   string
	logger zerolog.Logger
	disp   *dispatcher
	tcp    *transport.TCP

	started time.Time
	router  *gin.Engine

	mu        sync.Mutex
	m         *msgr.Messenger
	wsServer  *http.Server
	admin     *http.Server
	adminAddr net.Addr

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self := cfg.Name.String()
	logger := observability.Component(log.Logger, "daemon").With().Str("node", self).Logger()
	d := &Daemon{
		cfg:     cfg,
		self:    self,
		logger:  logger,
		disp:    newDispatcher(self, logger),
		tcp:     transport.NewTCP(cfg.Session),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	d.router = d.newRouter()
	return d, nil
}

func (d *Daemon) dialer() (msgr.Dialer, error) {
	if d.cfg.transport() != TransportWebSocket {
		return d.tcp, nil
	}
	dialer := ws.Dialer{Path: ws.DefaultPath, Secure: d.cfg.Session.TLS.Enabled}
	tlsCfg, err := d.tcp.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		dialer.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}
	return dialer, dialer.Validate()
}

// Start binds the listener and admin server, connects to every peer and
// begins heartbeating. It returns once everything is running.
func (d *Daemon) Start() error {
	listen, err := d.cfg.listenAddr()
	if err != nil {
		return err
	}
	dialer, err := d.dialer()
	if err != nil {
		return err
	}
	l, err := d.tcp.Listen(listen.HostPort())
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", listen.HostPort(), err)
	}

	addr := protocol.AddrFromNet(l.Addr())
	addr.Nonce = listen.Nonce
	opts := msgr.Options{
		Name:       d.cfg.Name,
		Addr:       addr,
		Config:     d.cfg.Session,
		Policies:   d.cfg.Policies,
		Dispatcher: d.disp,
		Dialer:     dialer,
	}
	if d.cfg.Secret != "" {
		secret := auth.SharedSecret{Secret: []byte(d.cfg.Secret)}
		opts.Auth = secret
		opts.Verifier = secret
	}
	m, err := msgr.New(opts)
	if err != nil {
		_ = l.Close()
		return err
	}

	d.mu.Lock()
	d.m = m
	d.mu.Unlock()

	var served net.Listener = l
	if d.cfg.transport() == TransportWebSocket {
		wsl := ws.NewListener(l.Addr())
		mux := http.NewServeMux()
		mux.Handle(ws.DefaultPath, wsl)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: d.cfg.Session.HandshakeTimeout}
		d.mu.Lock()
		d.wsServer = srv
		d.mu.Unlock()
		d.goRun("ws", func() error { return srv.Serve(l) })
		served = wsl
	}
	d.goRun("msgr", func() error { return m.Serve(served) })

	if d.cfg.AdminAddr != "" {
		if err := d.startAdmin(); err != nil {
			_ = d.Shutdown(context.Background())
			return err
		}
	}

	for _, p := range d.cfg.Peers {
		if _, err := m.Connect(p.Addr, p.Name.Type); err != nil {
			d.logger.Warn().Err(err).Str("peer", p.Name.String()).Msg("daemon: connect failed")
		}
	}
	if d.cfg.Heartbeat > 0 && len(d.cfg.Peers) > 0 {
		d.wg.Add(1)
		go d.heartbeatLoop()
	}

	d.logger.Info().
		Str("addr", m.Addr().String()).
		Str("transport", d.cfg.transport()).
		Int("peers", len(d.cfg.Peers)).
		Msg("daemon: started")
	return nil
}

func (d *Daemon) goRun(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			d.logger.Error().Err(err).Str("server", name).Msg("daemon: server stopped")
		}
	}()
}

func (d *Daemon) startAdmin() error {
	l, err := net.Listen("tcp", d.cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("daemon: admin listen %s: %w", d.cfg.AdminAddr, err)
	}
	srv := &http.Server{Handler: d.router, ReadHeaderTimeout: 5 * time.Second}
	d.mu.Lock()
	d.admin = srv
	d.adminAddr = l.Addr()
	d.mu.Unlock()
	d.goRun("admin", func() error { return srv.Serve(l) })
	d.logger.Info().Str("admin", l.Addr().String()).Msg("daemon: admin server ready")
	return nil
}

// Run starts the daemon and blocks until ctx is done, then shuts it down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(sctx)
}

// Shutdown stops heartbeats, closes every session and server, and waits for
// their goroutines until ctx is done.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })

	d.mu.Lock()
	m, wsServer, admin := d.m, d.wsServer, d.admin
	d.mu.Unlock()

	var errs []error
	if m != nil {
		errs = append(errs, m.Shutdown(ctx))
	}
	if wsServer != nil {
		errs = append(errs, wsServer.Shutdown(ctx))
	}
	if admin != nil {
		errs = append(errs, admin.Shutdown(ctx))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	d.logger.Info().Msg("daemon: stopped")
	return errors.Join(errs...)
}

func (d *Daemon) heartbeatLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.sendHeartbeats(now)
		}
	}
}

func (d *Daemon) sendHeartbeats(now time.Time) {
	m := d.Messenger()
	epoch := uint64(d.started.UnixMilli())
	for _, p := range d.cfg.Peers {
		msg, err := heartbeat(d.self, epoch, now)
		if err != nil {
			d.logger.Error().Err(err).Msg("daemon: build heartbeat")
			return
		}
		if err := m.SendTo(p.Addr, p.Name.Type, msg, nil); err != nil {
			d.logger.Debug().Err(err).Str("peer", p.Name.String()).Msg("daemon: heartbeat not queued")
		}
	}
}

// SendNote queues a note for a configured peer. done reports the peer's ack.
func (d *Daemon) SendNote(peer protocol.EntityName, topic string, body []byte, done func(error)) error {
	p, ok := d.cfg.peer(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	m := d.Messenger()
	if m == nil {
		return msgr.ErrMessengerClosed
	}
	msg, err := note(d.self, topic, body)
	if err != nil {
		return err
	}
	return m.SendTo(p.Addr, p.Name.Type, msg, done)
}

// Messenger returns the running messenger, nil before Start.
func (d *Daemon) Messenger() *msgr.Messenger {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m
}

// Addr is the address peers reach this daemon at, blank before Start.
func (d *Daemon) Addr() protocol.EntityAddr {
	m := d.Messenger()
	if m == nil {
		return protocol.EntityAddr{}
	}
	return m.Addr()
}

// AdminAddr is the bound admin address, empty when disabled.
func (d *Daemon) AdminAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adminAddr == nil {
		return ""
	}
	return d.adminAddr.String()
}

// Handler serves the admin API.
func (d *Daemon) Handler() http.Handler { return d.router }

func (d *Daemon) Peers() []PeerState { return d.disp.Peers() }

func (d *Daemon) Notes() []Note { return d.disp.Notes() }
