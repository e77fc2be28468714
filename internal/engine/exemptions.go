package engine

import (
	"net"

	"lateralguard/internal/config"
)

// ExemptionSet lists networks whose traffic never reaches the detectors,
// typically vulnerability scanners and monitoring hosts.
type ExemptionSet struct {
	Enabled      bool
	Sources      []*net.IPNet
	Destinations []*net.IPNet
}

func buildExemptions(cfg *config.Config) *ExemptionSet {
	ex := &ExemptionSet{Enabled: cfg.Exemptions.Enabled}
	if !ex.Enabled {
		return ex
	}
	ex.Sources = buildNets(cfg.Exemptions.Sources)
	ex.Destinations = buildNets(cfg.Exemptions.Destinations)
	return ex
}

func buildNets(values []string) []*net.IPNet {
	if len(values) == 0 {
		return nil
	}
	out := make([]*net.IPNet, 0, len(values))
	for _, v := range values {
		n, err := config.ParseNet(v)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (x *ExemptionSet) Exempt(source, destination string) bool {
	if x == nil || !x.Enabled {
		return false
	}
	return containsIP(x.Sources, source) || containsIP(x.Destinations, destination)
}

func containsIP(nets []*net.IPNet, addr string) bool {
	if len(nets) == 0 {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
