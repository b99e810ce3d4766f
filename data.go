package main

import (
	"path/filepath"
)

const (
	ProviderDbIp    = "dbip"
	ProviderMaxMind = "maxmind"

	// DB-IP marks ranges it cannot attribute to a country with this code.
	unknownCountryCode = "ZZ"
)

type AddressFamily string

const (
	IPv4 AddressFamily = "ipv4"
	IPv6 AddressFamily = "ipv6"
)

// Width is the address length in bits.
func (f AddressFamily) Width() int {
	if f == IPv6 {
		return 128
	}
	return 32
}

// InetFamily is the ipset "family" token.
func (f AddressFamily) InetFamily() string {
	if f == IPv6 {
		return "inet6"
	}
	return "inet"
}

type Firewall string

const (
	IPTables Firewall = "iptables"
	NFTables Firewall = "nftables"
)

// SetDir is the directory name a firewall's set files are written under.
func (fw Firewall) SetDir() string {
	if fw == IPTables {
		return "ipset"
	}
	return "nftset"
}

// Options are the already resolved per-run settings shared by every provider.
type Options struct {
	Firewalls []Firewall
	Families  []AddressFamily
	Checksum  bool
	Countries CountryFilter
	OutputDir string
}

func (o Options) wantFamily(f AddressFamily) bool {
	for _, v := range o.Families {
		if v == f {
			return true
		}
	}
	return false
}

func (o Options) wantFirewall(fw Firewall) bool {
	for _, v := range o.Firewalls {
		if v == fw {
			return true
		}
	}
	return false
}

// providerDir is {output}/geoipsets/{provider}.
func (o Options) providerDir(provider string) string {
	return filepath.Join(o.OutputDir, "geoipsets", provider)
}

// SetProvider downloads one provider's dataset and regenerates its set files.
type SetProvider interface {
	Name() string
	Generate() error
}

func BuildSetProviders(conf *Config, downloader Downloader) ([]SetProvider, error) {
	opts, err := conf.Options()
	if err != nil {
		return nil, err
	}

	out := make([]SetProvider, 0, len(conf.Providers))
	for _, name := range conf.Providers {
		switch name {
		case ProviderMaxMind:
			p, err := NewMaxmindSetProvider(opts, conf.MaxMind, downloader)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		case ProviderDbIp:
			out = append(out, NewDbIpSetProvider(opts, downloader))
		default:
			return nil, &ConfigError{Option: "providers", Value: name}
		}
	}
	return out, nil
}
