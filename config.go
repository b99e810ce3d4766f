package main

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	defaultConfigPath      = "/etc/geoipsets.yaml"
	defaultOutputDir       = "/tmp"
	defaultRefreshInterval = 7 * 24 * time.Hour

	allCountries = "all"
)

type Config struct {
	LogLevel        int            `yaml:"log_level"`
	Providers       []string       `yaml:"providers"`
	Firewalls       []string       `yaml:"firewalls"`
	AddressFamilies []string       `yaml:"address_families"`
	Checksum        bool           `yaml:"checksum"`
	Countries       CountryList    `yaml:"countries"`
	CountriesFile   string         `yaml:"countries_file"`
	OutputDir       string         `yaml:"output_dir"`
	Concurrent      bool           `yaml:"concurrent"`
	Listen          string         `yaml:"listen"`
	RefreshInterval time.Duration  `yaml:"refresh_interval"`
	DownloadTimeout time.Duration  `yaml:"download_timeout"`
	MaxMind         MaxMindOptions `yaml:"maxmind"`
}

// CountryList is a list of country codes. In YAML it is either a sequence or a
// single scalar such as "all" or "ca, ru".
type CountryList []string

func (l *CountryList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		*l = list
		return nil
	}
	var scalar string
	if err := unmarshal(&scalar); err != nil {
		return errors.New("countries must be a list or a comma separated string")
	}
	*l = strings.Split(scalar, ",")
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:        int(logrus.InfoLevel),
		Providers:       []string{ProviderDbIp},
		Firewalls:       []string{string(NFTables)},
		AddressFamilies: []string{string(IPv4)},
		Checksum:        true,
		OutputDir:       defaultOutputDir,
		RefreshInterval: defaultRefreshInterval,
		DownloadTimeout: defaultDownloadTimeout,
	}
}

// ParseConfig reads a YAML config file over the defaults.
func ParseConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config file")
	}
	if err := yaml.UnmarshalStrict(content, conf); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config file %s", path)
	}
	return conf, nil
}

// normalize lower-cases and deduplicates list options and resolves the country list.
func (c *Config) normalize() error {
	c.Providers = normalizeList(c.Providers)
	c.Firewalls = normalizeList(c.Firewalls)
	c.AddressFamilies = normalizeList(c.AddressFamilies)

	countries := c.Countries
	if c.CountriesFile != "" {
		fromFile, err := readCountriesFile(c.CountriesFile)
		if err != nil {
			return &ConfigError{Option: "countries_file", Reason: err.Error()}
		}
		countries = append(countries, fromFile...)
	}
	c.Countries = sanitizeCountries(countries)

	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	return nil
}

// Options validates the configuration and resolves it into generation options.
func (c *Config) Options() (Options, error) {
	opts := Options{
		Checksum:  c.Checksum,
		OutputDir: c.OutputDir,
		Countries: NewCountryFilter(c.Countries),
	}
	if opts.OutputDir == "" {
		return opts, &ConfigError{Option: "output_dir", Reason: "must not be empty"}
	}
	if len(c.Providers) == 0 {
		return opts, &ConfigError{Option: "providers", Reason: "at least one provider is required"}
	}
	for _, p := range c.Providers {
		if p != ProviderDbIp && p != ProviderMaxMind {
			return opts, &ConfigError{Option: "providers", Value: p}
		}
	}
	for _, v := range c.Firewalls {
		fw := Firewall(v)
		if fw != IPTables && fw != NFTables {
			return opts, &ConfigError{Option: "firewalls", Value: v}
		}
		opts.Firewalls = append(opts.Firewalls, fw)
	}
	if len(opts.Firewalls) == 0 {
		return opts, &ConfigError{Option: "firewalls", Reason: "at least one firewall is required"}
	}
	for _, v := range c.AddressFamilies {
		f := AddressFamily(v)
		if f != IPv4 && f != IPv6 {
			return opts, &ConfigError{Option: "address_families", Value: v}
		}
		opts.Families = append(opts.Families, f)
	}
	if len(opts.Families) == 0 {
		return opts, &ConfigError{Option: "address_families", Reason: "at least one address family is required"}
	}
	return opts, nil
}

func normalizeList(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// sanitizeCountries keeps two letter codes only. An empty result, or an explicit
// "all", selects every country and is returned as nil.
func sanitizeCountries(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range normalizeList(codes) {
		if c == allCountries {
			return nil
		}
		if isCountryCode(c) {
			out = append(out, c)
		} else {
			logrus.Warnf("ignoring invalid country code %q", c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isCountryCode(c string) bool {
	if len(c) != 2 {
		return false
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func readCountriesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCountryList(f)
}

// parseCountryList reads one country code per line; '#' starts a comment.
func parseCountryList(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}
