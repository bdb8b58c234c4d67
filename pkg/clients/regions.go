package clients

import (
	"sort"
	"strings"
)

// RegionTable maps vendor region codes to fixed hostnames
type RegionTable struct {
	Vendor  string
	Default string
	Hosts   map[string]string
}

// Resolve returns the canonical code and host for code. Codes are matched
// case-insensitively; an empty or unknown code resolves to Default with ok
// false for unknown codes.
func (t RegionTable) Resolve(code string) (region, host string, ok bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return t.Default, t.Hosts[t.Default], true
	}
	for k, h := range t.Hosts {
		if strings.ToUpper(k) == c {
			return k, h, true
		}
	}
	return t.Default, t.Hosts[t.Default], false
}

// BaseURL returns the https base URL for code
func (t RegionTable) BaseURL(code string) string {
	_, host, _ := t.Resolve(code)
	return "https://" + host
}

// Codes returns the known region codes in sorted order
func (t RegionTable) Codes() []string {
	codes := make([]string, 0, len(t.Hosts))
	for k := range t.Hosts {
		codes = append(codes, k)
	}
	sort.Strings(codes)
	return codes
}
