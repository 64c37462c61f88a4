package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgemsgr/internal/config"
	"github.com/danmuck/edgemsgr/internal/daemon"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
)

type fileConfig struct {
	Name        string       `toml:"name"`
	Listen      string       `toml:"listen"`
	Transport   string       `toml:"transport"`
	PolicyFile  string       `toml:"policy_file"`
	Secret      string       `toml:"secret"`
	AdminAddr   string       `toml:"admin_addr"`
	AdminToken  string       `toml:"admin_token"`
	CORSOrigins []string     `toml:"cors_origins"`
	Heartbeat   string       `toml:"heartbeat"`
	Peers       []peerConfig `toml:"peers"`
	Session     sessionFile  `toml:"session"`
}

type peerConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

type sessionFile struct {
	ConnectTimeout      string  `toml:"connect_timeout"`
	HandshakeTimeout    string  `toml:"handshake_timeout"`
	WriteTimeout        string  `toml:"write_timeout"`
	HeartbeatInterval   string  `toml:"heartbeat_interval"`
	SessionDeadAfter    string  `toml:"session_dead_after"`
	DieOnSkippedMessage bool    `toml:"die_on_skipped_message"`
	DieOnOldMessage     bool    `toml:"die_on_old_message"`
	SecurityMode        string  `toml:"security_mode"`
	TLS                 tlsFile `toml:"tls"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
}

func loadDaemonConfig(path string) (daemon.Config, error) {
	cfg := daemon.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.Config{}, fmt.Errorf("load daemon config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemon.Config{}, fmt.Errorf("load daemon config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		name, err := protocol.ParseEntityName(raw.Name)
		if err != nil {
			return daemon.Config{}, fmt.Errorf("parse name: %w", err)
		}
		cfg.Name = name
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("heartbeat") {
		d, err := parseDuration("heartbeat", raw.Heartbeat)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.Heartbeat = d
	}

	if meta.IsDefined("policy_file") {
		policyPath := strings.TrimSpace(raw.PolicyFile)
		if policyPath != "" && !filepath.IsAbs(policyPath) {
			policyPath = filepath.Join(filepath.Dir(path), policyPath)
		}
		table, err := config.LoadPolicyTable(policyPath)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.Policies = table
	}

	for i, p := range raw.Peers {
		name, err := protocol.ParseEntityName(p.Name)
		if err != nil {
			return daemon.Config{}, fmt.Errorf("parse peers[%d].name: %w", i, err)
		}
		addr, err := protocol.ParseEntityAddr(strings.TrimSpace(p.Addr))
		if err != nil {
			return daemon.Config{}, fmt.Errorf("parse peers[%d].addr: %w", i, err)
		}
		cfg.Peers = append(cfg.Peers, daemon.Peer{Name: name, Addr: addr})
	}

	if err := applySession(&cfg.Session, meta, raw.Session); err != nil {
		return daemon.Config{}, err
	}
	return cfg, cfg.Validate()
}

func applySession(cfg *session.Config, meta toml.MetaData, raw sessionFile) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"session_dead_after", raw.SessionDeadAfter, &cfg.SessionDeadAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration("session."+d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	if meta.IsDefined("session", "die_on_skipped_message") {
		cfg.DieOnSkippedMessage = raw.DieOnSkippedMessage
	}
	if meta.IsDefined("session", "die_on_old_message") {
		cfg.DieOnOldMessage = raw.DieOnOldMessage
	}
	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}

	tls := raw.TLS
	if meta.IsDefined("session", "tls", "enabled") {
		cfg.TLS.Enabled = tls.Enabled
	}
	if meta.IsDefined("session", "tls", "mutual") {
		cfg.TLS.Mutual = tls.Mutual
	}
	if meta.IsDefined("session", "tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = tls.InsecureSkipVerify
	}
	if meta.IsDefined("session", "tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(tls.CertFile)
	}
	if meta.IsDefined("session", "tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(tls.KeyFile)
	}
	if meta.IsDefined("session", "tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(tls.CAFile)
	}
	if meta.IsDefined("session", "tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(tls.ServerName)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
