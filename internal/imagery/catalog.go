// Package imagery resolves the model's image_url field to a displayable
// address and applies the mandatory-image rules of the tutoring script.
package imagery

import (
	"fmt"
	"net/url"
	"strings"
)

// Default catalog keys used by the tutoring script.
const (
	KeyOnboarding = "IMG_CASE1"
	KeyAssessment = "IMG_FINAL"
)

// DefaultCatalog returns the built-in key to address mapping.
func DefaultCatalog() map[string]string {
	return map[string]string{
		KeyOnboarding: "https://fakenewsphotos.oss-cn-beijing.aliyuncs.com/1.png",
		KeyAssessment: "https://fakenewsphotos.oss-cn-beijing.aliyuncs.com/2.jpg",
	}
}

// Catalog is an immutable mapping from symbolic keys to network addresses.
type Catalog struct {
	entries map[string]string
}

// NewCatalog validates every address. Keys are matched exactly.
func NewCatalog(entries map[string]string) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]string, len(entries))}
	for key, addr := range entries {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("catalog: empty key")
		}
		if !IsNetworkAddress(addr) {
			return nil, fmt.Errorf("catalog: %s: %q is not an absolute http(s) address", key, addr)
		}
		c.entries[key] = addr
	}
	return c, nil
}

// Lookup returns the address registered for key.
func (c *Catalog) Lookup(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	addr, ok := c.entries[key]
	return addr, ok
}

// IsNetworkAddress reports whether s is an absolute http or https URL with a host.
func IsNetworkAddress(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
