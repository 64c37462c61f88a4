package config

import (
	"fmt"

	"github.com/danmuck/edgemsgr/internal/msgr"
	"github.com/danmuck/edgemsgr/internal/protocol"
)

// Policy converts the entry. An empty preset means lossless_peer.
func (e PolicyEntry) Policy() (msgr.Policy, error) {
	name := presetName(e.Preset)
	if name == "" {
		name = "lossless_peer"
	}
	build, ok := presets[name]
	if !ok {
		return msgr.Policy{}, fmt.Errorf("%w: %q", ErrUnknownPreset, e.Preset)
	}
	p := build()

	for _, o := range []struct {
		set *bool
		dst *bool
	}{
		{e.Lossy, &p.Lossy},
		{e.Server, &p.Server},
		{e.Standby, &p.Standby},
		{e.ResetCheck, &p.ResetCheck},
	} {
		if o.set != nil {
			*o.dst = *o.set
		}
	}
	if e.FeaturesSupported != nil {
		f, err := protocol.ParseFeatures(e.FeaturesSupported)
		if err != nil {
			return msgr.Policy{}, err
		}
		p.FeaturesSupported = f
	}
	if e.FeaturesRequired != nil {
		f, err := protocol.ParseFeatures(e.FeaturesRequired)
		if err != nil {
			return msgr.Policy{}, err
		}
		p.FeaturesRequired = f
	}
	p.ThrottleMessages = e.ThrottleMessages
	p.ThrottleBytes = e.ThrottleBytes

	if err := ValidatePolicy(p); err != nil {
		return msgr.Policy{}, err
	}
	return p, nil
}
