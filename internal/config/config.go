// Package config loads the per-peer-type connection policy table.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danmuck/edgemsgr/internal/msgr"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrUnknownPreset   = errors.New("config: unknown policy preset")
	ErrInvalidPolicy   = errors.New("config: invalid policy")
	ErrUnknownPeerType = errors.New("config: unknown peer type")
)

// PolicyFile is the on-disk policy table.
type PolicyFile struct {
	Default PolicyEntry            `toml:"default"`
	Types   map[string]PolicyEntry `toml:"types"`
}

// PolicyEntry starts from a preset and overrides individual fields. Unset
// fields keep the preset's value.
type PolicyEntry struct {
	Preset            string   `toml:"preset"`
	Lossy             *bool    `toml:"lossy"`
	Server            *bool    `toml:"server"`
	Standby           *bool    `toml:"standby"`
	ResetCheck        *bool    `toml:"reset_check"`
	FeaturesSupported []string `toml:"features_supported"`
	FeaturesRequired  []string `toml:"features_required"`
	ThrottleMessages  int64    `toml:"throttle_messages"`
	ThrottleBytes     int64    `toml:"throttle_bytes"`
}

var presets = map[string]func() msgr.Policy{
	"lossy_client":        msgr.LossyClient,
	"lossless_client":     msgr.LosslessClient,
	"stateless_server":    msgr.StatelessServer,
	"stateful_server":     msgr.StatefulServer,
	"lossless_peer":       msgr.LosslessPeer,
	"lossless_peer_reuse": msgr.LosslessPeerReuse,
}

// Presets lists the preset names in sorted order.
func Presets() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func LoadPolicyTable(path string) (msgr.PolicyTable, error) {
	var file PolicyFile
	if err := loadToml(path, &file); err != nil {
		return msgr.PolicyTable{}, err
	}
	return file.Table()
}

func ParsePolicyTable(data []byte) (msgr.PolicyTable, error) {
	var file PolicyFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return msgr.PolicyTable{}, fmt.Errorf("config parse failed: %w", err)
	}
	return file.Table()
}

// Table resolves every entry into a msgr.PolicyTable.
func (f PolicyFile) Table() (msgr.PolicyTable, error) {
	def, err := f.Default.Policy()
	if err != nil {
		return msgr.PolicyTable{}, fmt.Errorf("default: %w", err)
	}
	table := msgr.NewPolicyTable(def)
	for name, entry := range f.Types {
		peer, err := protocol.ParseEntityType(name)
		if err != nil {
			return msgr.PolicyTable{}, fmt.Errorf("%w: %q", ErrUnknownPeerType, name)
		}
		p, err := entry.Policy()
		if err != nil {
			return msgr.PolicyTable{}, fmt.Errorf("types.%s: %w", name, err)
		}
		table.Set(peer, p)
	}
	return table, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidatePolicy checks the invariants the handshake relies on.
func ValidatePolicy(p msgr.Policy) error {
	if missing := p.FeaturesSupported.Missing(p.FeaturesRequired); missing != 0 {
		return fmt.Errorf("%w: requires unsupported features %s", ErrInvalidPolicy, missing)
	}
	if p.ThrottleMessages < 0 || p.ThrottleBytes < 0 {
		return fmt.Errorf("%w: negative throttle", ErrInvalidPolicy)
	}
	return nil
}

func presetName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(name, "-", "_")
}
