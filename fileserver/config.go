package fileserver

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Config is the fileserver section of the server configuration.
type Config struct {
	Addr string `yaml:"addr"`
	// RootURL is the public URL the METS files link to, ending in '/'.
	RootURL   string `yaml:"root_url"`
	CachePath string `yaml:"cache_path"`
	// ConvertAction produces files that are neither on disk nor cached.
	ConvertAction string `yaml:"convert_action"`
	// DisabledWorkImage is served instead of files of works the client
	// may not see. Empty answers 403.
	DisabledWorkImage string `yaml:"disabled_work_image"`
	// AllowedNetworks maps a network name to its subnets.
	AllowedNetworks map[string][]string `yaml:"allowed_networks"`
	CacheClear      CacheClearConfig    `yaml:"cache_clear"`
}

// CacheClearConfig prunes the cache periodically. Interval 0 disables it.
type CacheClearConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Since keeps files used more recently than this.
	Since time.Duration `yaml:"since"`
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ConvertAction == "" {
		c.ConvertAction = "singleFileConvertAction"
	}
	if c.CacheClear.Since <= 0 {
		c.CacheClear.Since = 72 * time.Hour
	}
	if c.RootURL != "" && !strings.HasSuffix(c.RootURL, "/") {
		c.RootURL += "/"
	}
}

// Networks is the parsed form of AllowedNetworks.
type Networks map[string][]netip.Prefix

// ParseNetworks parses every subnet. A bare address counts as a single-host
// subnet.
func ParseNetworks(in map[string][]string) (Networks, error) {
	out := make(Networks, len(in))
	for name, subnets := range in {
		prefixes := make([]netip.Prefix, 0, len(subnets))
		for _, s := range subnets {
			s = strings.TrimSpace(s)
			var p netip.Prefix
			var err error
			if strings.Contains(s, "/") {
				p, err = netip.ParsePrefix(s)
			} else {
				var a netip.Addr
				if a, err = netip.ParseAddr(s); err == nil {
					p = netip.PrefixFrom(a, a.BitLen())
				}
			}
			if err != nil {
				return nil, fmt.Errorf("fileserver: network %q: %w", name, err)
			}
			prefixes = append(prefixes, p.Masked())
		}
		out[name] = prefixes
	}
	return out, nil
}

// Contains reports whether addr is in one of the subnets of name. known is
// false when name is not configured.
func (n Networks) Contains(name string, addr netip.Addr) (inside, known bool) {
	prefixes, known := n[name]
	if !known || !addr.IsValid() {
		return false, known
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true, true
		}
	}
	return false, true
}
