package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidProfile     = errors.New("config: invalid profile")
	ErrUnsupportedVersion = errors.New("config: unsupported profile version")
)

// SupportedVersions is the profile version range this build understands.
const SupportedVersions = ">=1.0.0, <2.0.0"

const schemaURL = "https://glibc-membrane.local/schemas/profile.schema.json"

//go:embed profile.schema.json
var profileSchema string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader([]byte(profileSchema))); err != nil {
		return nil, fmt.Errorf("profile schema load failed: %w", err)
	}
	return c.Compile(schemaURL)
})

// Profile is the YAML tuning profile.
type Profile struct {
	Version string        `yaml:"version" json:"version"`
	Name    string        `yaml:"name,omitempty" json:"name,omitempty"`
	Mode    string        `yaml:"mode,omitempty" json:"mode,omitempty"`
	Arena   ArenaProfile  `yaml:"arena" json:"arena"`
	Cache   CacheProfile  `yaml:"cache" json:"cache"`
	Kernel  KernelProfile `yaml:"kernel" json:"kernel"`
	Heal    HealProfile   `yaml:"heal" json:"heal"`
}

// ArenaProfile tunes quarantine depth and zero-size behaviour.
type ArenaProfile struct {
	QuarantineBytes   uint64 `yaml:"quarantine_bytes" json:"quarantine_bytes"`
	QuarantineEntries int    `yaml:"quarantine_entries" json:"quarantine_entries"`
	ZeroSize          string `yaml:"zero_size" json:"zero_size"` // unique | null | error
}

// CacheProfile sizes each validation cache.
type CacheProfile struct {
	Entries int `yaml:"entries" json:"entries"`
}

// KernelProfile tunes the bandit, the risk bound and the ensemble.
type KernelProfile struct {
	StrictExploration   float64  `yaml:"strict_exploration" json:"strict_exploration"`
	HardenedExploration float64  `yaml:"hardened_exploration" json:"hardened_exploration"`
	RefreshCadence      uint64   `yaml:"refresh_cadence" json:"refresh_cadence"`
	RiskCadence         uint64   `yaml:"risk_cadence" json:"risk_cadence"`
	EnsembleCadence     uint64   `yaml:"ensemble_cadence" json:"ensemble_cadence"`
	Veto                []string `yaml:"veto,omitempty" json:"veto,omitempty"`
}

// HealProfile controls repair application and logging.
type HealProfile struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	LogsPerSecond float64 `yaml:"logs_per_second" json:"logs_per_second"`
}

// DefaultProfile returns the built-in tuning.
func DefaultProfile() *Profile {
	return &Profile{
		Version: "1.0.0",
		Name:    "default",
		Arena: ArenaProfile{
			QuarantineBytes:   64 << 20,
			QuarantineEntries: 65536,
			ZeroSize:          "unique",
		},
		Cache: CacheProfile{Entries: 1024},
		Kernel: KernelProfile{
			StrictExploration:   0.35,
			HardenedExploration: 0.55,
			RefreshCadence:      32,
			RiskCadence:         64,
			EnsembleCadence:     16,
		},
		Heal: HealProfile{Enabled: true, LogsPerSecond: 1},
	}
}

// LoadProfile reads, validates and returns the profile at path. Fields
// the file omits keep their defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// ParseProfile validates raw YAML against the embedded schema and the
// supported version range, then decodes it over the defaults.
func ParseProfile(data []byte) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrInvalidProfile, err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidProfile, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// validateDocument round-trips the YAML tree through JSON so the schema
// sees JSON numbers rather than Go integer types.
func validateDocument(doc any) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	return nil
}

// Validate checks the constraints the schema cannot express.
func (p *Profile) Validate() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %w", ErrInvalidProfile, p.Version, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, v, SupportedVersions)
	}
	if n := p.Cache.Entries; n <= 0 || bits.OnesCount(uint(n)) != 1 {
		return fmt.Errorf("%w: cache.entries %d is not a power of two", ErrInvalidProfile, n)
	}
	switch p.Arena.ZeroSize {
	case "unique", "null", "error":
	default:
		return fmt.Errorf("%w: arena.zero_size %q", ErrInvalidProfile, p.Arena.ZeroSize)
	}
	return nil
}
