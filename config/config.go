// Package config defines the typed configuration surface described in
// spec.md §6. The recursive-descent lexer, included-file glob
// expansion, and general polymorphic config-value grammar are out of
// scope (spec.md §1); Load instead decodes a TOML file with
// github.com/BurntSushi/toml, which already tolerates the "int |
// string | list" shape section 9 calls out, and applies spec.md's
// defaults for anything left unset.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full set of recognized options from spec.md §6.
type Config struct {
	Hostname string `toml:"hostname"`
	Banner   string `toml:"banner"`

	Port       int `toml:"port"`
	ConfigPort int `toml:"config_port"`

	BindAddress     string `toml:"bind_address"`
	BindAddressIPv6 string `toml:"bind_address_ipv6"`
	EnableIPv6      bool   `toml:"enable_ipv6"`

	EnableGrey bool          `toml:"enable.grey"`
	Stutter    time.Duration `toml:"stutter"`
	GreyStutter time.Duration `toml:"stutter.grey"`

	MaxBlack int `toml:"max_black"`
	MaxCons  int `toml:"max_cons"`

	Window int `toml:"window"` // receive-window clamp during DATA; 0 = don't clamp

	ErrorCode string `toml:"error_code"`
	Verbose   bool   `toml:"verbose"`

	LowPrioMXIP string `toml:"low_prio_mx.ip"`

	Database DriverConfig `toml:"database"`
	Firewall DriverConfig `toml:"firewall"`

	TraplistName    string `toml:"traplist_name"`
	TraplistMessage string `toml:"traplist_message"`
	TrapSetName     string `toml:"trap_set_name"`
	WhiteSetName    string `toml:"white_set_name"`

	ScanInterval time.Duration `toml:"scan_interval"`
}

// DriverConfig is the per-subsystem driver selector from spec.md §6
// ("per-subsystem driver / path strings").
type DriverConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// Default returns the documented defaults (spec.md §6), applied
// before any file is overlaid on top.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return Config{
		Hostname:        hostname,
		Banner:          "",
		Port:            25,
		ConfigPort:      10025,
		EnableIPv6:      false,
		EnableGrey:      true,
		Stutter:         1 * time.Second,
		GreyStutter:     10 * time.Second,
		MaxBlack:        800,
		MaxCons:         800,
		Window:          0,
		ErrorCode:       "450",
		Verbose:         false,
		TraplistName:    "tarpitd-traps",
		TraplistMessage: "You are on a spam trap blacklist.",
		TrapSetName:     "tarpitd_traps",
		WhiteSetName:    "tarpitd_white",
		ScanInterval:    1 * time.Minute,
		Database:        DriverConfig{Driver: "sqlite", Path: "greylist.db"},
		Firewall:        DriverConfig{Driver: "dummy"},
	}
}

// Load decodes path over the defaults. An empty path returns the
// defaults unchanged (matching the teacher's "TempDir when no dbdir
// given" fallback idiom in cmd/spilld).
//
// A parse failure here is fatal per spec.md §7: the process must
// refuse to start rather than serve with partial config.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
