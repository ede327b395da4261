package imagery

import (
	"regexp"
	"strings"

	"lateraltutor/internal/logging"
)

// Source records where a resolved address came from.
type Source string

const (
	SourceNone    Source = "none"
	SourceCatalog Source = "catalog"
	SourceDirect  Source = "direct"
	SourceForced  Source = "forced"
)

// Resolution is the outcome of resolving one image key.
type Resolution struct {
	URL    string
	Source Source
	Key    string // catalog key, when there is one
}

// None reports whether no image is attached.
func (r Resolution) None() bool { return r.URL == "" }

// The image assets are served as JPEG; models tend to assume PNG.
var pngSuffix = regexp.MustCompile(`(?i)\.png(\?.*)?$`)

// Resolver maps model-supplied image keys to addresses.
type Resolver struct {
	catalog *Catalog
}

// NewResolver creates a resolver over catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve maps key to an address. It never guesses: unknown keys resolve to
// no image. Resolve is pure, so the same key always yields the same result.
func (r *Resolver) Resolve(key string) Resolution {
	k := strings.TrimSpace(key)
	switch strings.ToLower(k) {
	case "", "null", "undefined", "none":
		return Resolution{Source: SourceNone}
	}

	if addr, ok := r.catalog.Lookup(k); ok {
		return Resolution{URL: addr, Source: SourceCatalog, Key: k}
	}

	if IsNetworkAddress(k) {
		return Resolution{URL: pngSuffix.ReplaceAllString(k, ".jpg$1"), Source: SourceDirect}
	}

	logging.ImageryWarn("Unrecognized image key %q; showing no image", k)
	return Resolution{Source: SourceNone}
}

// Force resolves a catalog key for the mandatory-image rules.
func (r *Resolver) Force(key string) Resolution {
	addr, ok := r.catalog.Lookup(key)
	if !ok {
		logging.ImageryWarn("Mandatory image %q missing from catalog", key)
		return Resolution{Source: SourceNone}
	}
	return Resolution{URL: addr, Source: SourceForced, Key: key}
}
