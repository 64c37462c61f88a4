package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgemsgr/internal/config"
	"github.com/danmuck/edgemsgr/internal/daemon"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
	"github.com/danmuck/edgemsgr/internal/testutil/testlog"
)

func TestLoadDaemonConfigExample(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadDaemonConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != (protocol.EntityName{Type: protocol.EntityOSD, Num: 1}) {
		t.Fatalf("unexpected name: %v", cfg.Name)
	}
	if cfg.Listen != "127.0.0.1:6800/1" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.Transport != daemon.TransportWebSocket {
		t.Fatalf("unexpected transport: %q", cfg.Transport)
	}
	if cfg.Secret != "example-secret" || cfg.AdminToken != "example-token" {
		t.Fatalf("unexpected secrets: %q %q", cfg.Secret, cfg.AdminToken)
	}
	if cfg.AdminAddr != "127.0.0.1:9180" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
	if cfg.Heartbeat != 500*time.Millisecond {
		t.Fatalf("unexpected heartbeat: %v", cfg.Heartbeat)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	if cfg.Peers[1].Name.Type != protocol.EntityMon || cfg.Peers[1].Addr.Port != 6789 || cfg.Peers[1].Addr.Nonce != 7 {
		t.Fatalf("unexpected mon peer: %+v", cfg.Peers[1])
	}

	if !cfg.Policies.Lookup(protocol.EntityClient).Server {
		t.Fatalf("expected client peers to use a server policy")
	}
	if got := cfg.Policies.Lookup(protocol.EntityClient).ThrottleMessages; got != 256 {
		t.Fatalf("unexpected client throttle: %d", got)
	}
	if !cfg.Policies.Lookup(protocol.EntityMon).ResetCheck {
		t.Fatalf("expected mon policy to reset check")
	}

	s := cfg.Session
	if s.ConnectTimeout != 3*time.Second || s.HandshakeTimeout != 4*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", s.ConnectTimeout, s.HandshakeTimeout)
	}
	if s.HeartbeatInterval != time.Second || s.SessionDeadAfter != 10*time.Second {
		t.Fatalf("unexpected keepalive: %v %v", s.HeartbeatInterval, s.SessionDeadAfter)
	}
	if s.WriteTimeout != session.DefaultConfig().WriteTimeout {
		t.Fatalf("expected default write timeout, got %v", s.WriteTimeout)
	}
	if !s.DieOnSkippedMessage || s.DieOnOldMessage {
		t.Fatalf("unexpected die flags: %v %v", s.DieOnSkippedMessage, s.DieOnOldMessage)
	}
	if s.SecurityMode != session.SecurityModeDevelopment || s.TLS.Enabled || s.TLS.Mutual {
		t.Fatalf("unexpected security: %q %+v", s.SecurityMode, s.TLS)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadDaemonConfig(writeConfig(t, `name = "mon.3"`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := daemon.DefaultConfig()
	if cfg.Name.String() != "mon.3" {
		t.Fatalf("unexpected name: %v", cfg.Name)
	}
	if cfg.Listen != def.Listen || cfg.Heartbeat != def.Heartbeat || cfg.Session != def.Session {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if len(cfg.Peers) != 0 {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
}

func TestLoadDaemonConfigRejects(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad name", content: `name = "disk.1"`, want: "parse name"},
		{name: "bad duration", content: `heartbeat = "soon"`, want: "parse heartbeat"},
		{name: "negative duration", content: "[session]\nconnect_timeout = \"-1s\"", want: "negative duration"},
		{name: "bad peer addr", content: "[[peers]]\nname = \"osd.2\"\naddr = \"nowhere\"", want: "peers[0].addr"},
		{name: "unknown key", content: `listne = "127.0.0.1:1/1"`, want: "unknown key"},
		{name: "bad transport", content: `transport = "udp"`, want: "invalid transport"},
		{name: "missing policy file", content: `policy_file = "absent.toml"`, want: "absent.toml"},
		{name: "listen without nonce", content: `listen = "127.0.0.1:6800"`, want: "non-zero /nonce"},
		{name: "peer without nonce", content: "[[peers]]\nname = \"osd.2\"\naddr = \"127.0.0.1:6801\"", want: "has no nonce"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadDaemonConfig(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDaemonTemplateLoads(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	if err := config.WriteTemplate(filepath.Join(dir, "policies.toml"), "policy", false); err != nil {
		t.Fatalf("write policy template: %v", err)
	}
	path := filepath.Join(dir, "config.toml")
	if err := config.WriteTemplate(path, "daemon", false); err != nil {
		t.Fatalf("write daemon template: %v", err)
	}
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Name.String() != "osd.1" || len(cfg.Peers) != 1 {
		t.Fatalf("unexpected template config: %+v", cfg)
	}
}
