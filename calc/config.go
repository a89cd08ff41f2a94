package calc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const ConfigFileName = "calc.toml"

// Config is the calc.toml project configuration.
type Config struct {
	Compiler CompilerConfig `toml:"compiler"`
	Log      LogConfig      `toml:"log"`
	Build    BuildConfig    `toml:"build"`

	// Dir is the directory containing calc.toml (set at load time).
	Dir string `toml:"-"`
}

type CompilerConfig struct {
	ModuleCells bool `toml:"module_cells"`
	// MaxDepth bounds nested calls at run time.
	MaxDepth int `toml:"max_depth"`
}

type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

type BuildConfig struct {
	Sources   []string `toml:"sources"`
	OutputDir string   `toml:"output_dir"`
	Workers   int      `toml:"workers"`
}

// DefaultConfig is used when no calc.toml exists.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Compiler.MaxDepth <= 0 {
		c.Compiler.MaxDepth = DefaultMaxDepth
	}
	if c.Build.Workers <= 0 {
		c.Build.Workers = 4
	}
	if c.Build.OutputDir == "" {
		c.Build.OutputDir = "."
	}
}

// AnalyzerOptions returns the scope analysis settings.
func (c *Config) AnalyzerOptions() AnalyzerOptions {
	return AnalyzerOptions{ModuleCells: c.Compiler.ModuleCells}
}

// ParseConfig decodes calc.toml contents.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	c.applyDefaults()
	return &c, nil
}

// LoadConfig reads calc.toml from dir.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoadConfig walks up from startDir to the nearest calc.toml. It
// returns nil, nil when there is none.
func FindAndLoadConfig(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err == nil {
			return LoadConfig(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}
