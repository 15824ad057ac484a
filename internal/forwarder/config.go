package forwarder

import (
	"fmt"
	"net"

	"github.com/spf13/viper"
)

// upstreamFile is the on-disk shape of the forwarder's upstream list
// (§6, "Forwarder configuration (JSON)"). Viper requires a mapping at
// the document root, so the spec's bare JSON array is nested under a
// single "upstreams" key rather than read as a top-level array.
type upstreamFile struct {
	Upstreams []upstreamEntry `mapstructure:"upstreams"`
}

type upstreamEntry struct {
	Domain string `mapstructure:"domain"`
	IP     string `mapstructure:"ip"`
	Port   uint16 `mapstructure:"port"`
	HTTPS  bool   `mapstructure:"https"`
}

// LoadUpstreamsJSON reads a forwarder upstream list from path. An
// empty ip triggers DNS resolution of domain; resolution failure falls
// back to using domain itself as the dial host (§6).
func LoadUpstreamsJSON(path string) ([]Upstream, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("forwarder: reading upstream config: %w", err)
	}

	var raw upstreamFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("forwarder: parsing upstream config: %w", err)
	}

	out := make([]Upstream, 0, len(raw.Upstreams))
	for _, e := range raw.Upstreams {
		host := e.IP
		if host == "" {
			addrs, err := net.LookupHost(e.Domain)
			if err != nil || len(addrs) == 0 {
				host = e.Domain
			} else {
				host = addrs[0]
			}
		}
		out = append(out, Upstream{Domain: e.Domain, Host: host, Port: e.Port, HTTPS: e.HTTPS})
	}
	return out, nil
}
