package cmd

import (
	"fmt"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// s4ppSection mirrors the [s4pp] section recognized in an INI config
// file; any value also settable as a flag can be set here instead, with
// flags taking precedence since they are bound into viper separately.
type s4ppSection struct {
	Server              string `ini:"server"`
	Port                int    `ini:"port"`
	User                string `ini:"user"`
	Key                 string `ini:"key"`
	Secure              bool   `ini:"secure"`
	Hide                string `ini:"hide"`
	MaxBatch            uint32 `ini:"max_batch"`
	LegacyKeyTruncation bool   `ini:"legacy_key_truncation"`
}

// loadINIConfig reads path's [s4pp] section (the same ini.v1 package the
// teacher uses to parse its EDS object-dictionary files) and seeds
// viper's defaults from it, so a flag explicitly passed on the command
// line still wins.
func loadINIConfig(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("s4ppclient: %w", err)
	}
	var sec s4ppSection
	if err := f.Section("s4pp").MapTo(&sec); err != nil {
		return fmt.Errorf("s4ppclient: parsing [s4pp] section: %w", err)
	}
	viper.SetDefault("server", sec.Server)
	if sec.Port != 0 {
		viper.SetDefault("port", sec.Port)
	}
	viper.SetDefault("user", sec.User)
	viper.SetDefault("key", sec.Key)
	viper.SetDefault("secure", sec.Secure)
	if sec.Hide != "" {
		viper.SetDefault("hide", sec.Hide)
	}
	if sec.MaxBatch != 0 {
		viper.SetDefault("max-batch", sec.MaxBatch)
	}
	viper.SetDefault("legacy-key-truncation", sec.LegacyKeyTruncation)
	return nil
}
