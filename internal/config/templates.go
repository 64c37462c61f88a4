package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file for kind "daemon" or "policy".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "policy":
		return policyTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "osd.1"
listen = "127.0.0.1:6800/1"
transport = "tcp"
policy_file = "policies.toml"
secret = "change-me"
admin_addr = "127.0.0.1:9180"
admin_token = ""
cors_origins = ["http://localhost:3000"]
heartbeat = "2s"

[[peers]]
name = "osd.2"
addr = "127.0.0.1:6801/2"

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
heartbeat_interval = "5s"
session_dead_after = "15s"
write_timeout = "15s"
die_on_skipped_message = false
die_on_old_message = false
security_mode = "development"

[session.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const policyTemplate = `[default]
preset = "lossless_peer"

[types.client]
preset = "stateless_server"
throttle_messages = 1024
throttle_bytes = 104857600

[types.mon]
preset = "lossless_client"
features_required = ["reconnect_seq"]
`
