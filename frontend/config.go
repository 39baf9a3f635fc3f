package frontend

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/bpf/netext"
)

var (
	ErrCfgInvalid      = errors.New("invalid configuration")
	ErrUnknownCfgKey   = errors.New("unknown configuration key")
	ErrUnknownBuiltin  = errors.New("unknown builtin program")
	ErrProgramSource   = errors.New("program needs exactly one of builtin or object")
	ErrDuplicateAttach = errors.New("more than one program for a hook")
)

type LogCfg struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type MetricsCfg struct {
	// Listen is the address the metrics endpoint is served on. Empty disables
	// it.
	Listen string `toml:"listen"`
}

// ProgramCfg names the program attached to one hook. A program is either one
// of the builtins or a program in an eBPF object file.
type ProgramCfg struct {
	Hook    string `toml:"hook"`
	Builtin string `toml:"builtin,omitempty"`
	Object  string `toml:"object,omitempty"`
	Program string `toml:"program,omitempty"`
}

type ReplayCfg struct {
	// LocalPrefixes decide which end of a captured packet is local. When empty,
	// the source of the first IP packet in a capture is taken as local.
	LocalPrefixes []string `toml:"local_prefixes"`
	// AppID is the application path reported for synthesised flows.
	AppID string `toml:"app_id"`
}

type Config struct {
	Log       LogCfg        `toml:"log"`
	Extension netext.Config `toml:"extension"`
	Metrics   MetricsCfg    `toml:"metrics"`
	Programs  []ProgramCfg  `toml:"programs"`
	Replay    ReplayCfg     `toml:"replay"`

	// ProfilePath, when set, receives a CSV line per program invocation.
	ProfilePath string `toml:"profile_path,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Log:       LogCfg{Level: "info"},
		Extension: *netext.DefaultConfig(),
		Metrics:   MetricsCfg{Listen: "127.0.0.1:9469"},
		Replay:    ReplayCfg{AppID: `\Device\HarddiskVolume1\replay\capture.exe`},
	}
}

// LoadConfig reads a TOML configuration. Keys missing from the file keep
// their defaults; keys the configuration does not know are an error.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrUnknownCfgKey, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfigFile is LoadConfig on the file at path; an empty path gives the
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := LoadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return cfg, nil
}

func MarshalConfig(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if err := c.Extension.Validate(); err != nil {
		return err
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrCfgInvalid, err)
	}

	if _, err := c.Replay.prefixes(); err != nil {
		return fmt.Errorf("%w: %w", ErrCfgInvalid, err)
	}

	seen := make(map[bpf.ProgramType]bool, len(c.Programs))

	for _, p := range c.Programs {
		pt, err := bpf.ParseProgramType(p.Hook)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCfgInvalid, err)
		}

		if seen[pt] {
			return fmt.Errorf("%w: %w: %s", ErrCfgInvalid, ErrDuplicateAttach, p.Hook)
		}
		seen[pt] = true

		if (p.Builtin == "") == (p.Object == "") {
			return fmt.Errorf("%w: %w: hook %s", ErrCfgInvalid, ErrProgramSource, p.Hook)
		}

		if p.Builtin != "" {
			if _, ok := builtins[p.Builtin]; !ok {
				return fmt.Errorf("%w: %w: %s", ErrCfgInvalid, ErrUnknownBuiltin, p.Builtin)
			}
		}

		if p.Object != "" && p.Program == "" {
			return fmt.Errorf("%w: object %s needs a program name", ErrCfgInvalid, p.Object)
		}
	}

	return nil
}

func (r ReplayCfg) prefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(r.LocalPrefixes))

	for _, s := range r.LocalPrefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse local prefix: %w", err)
		}

		prefixes = append(prefixes, p.Masked())
	}

	return prefixes, nil
}
