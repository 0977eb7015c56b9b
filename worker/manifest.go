package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/briangreenhill/voice101/strategy"
)

// ErrInvalidManifest is returned for worker manifests that fail validation
var ErrInvalidManifest = errors.New("invalid worker manifest")

// Policy decides when an installed version takes over
type Policy string

const (
	// PolicyAsk waits for a SKIP_WAITING message or for old clients to go away
	PolicyAsk Policy = "ask"
	// PolicyForce skips waiting as soon as install succeeds
	PolicyForce Policy = "force"
)

// Manifest is the declarative worker script: what to precache and how to
// route every request
type Manifest struct {
	Prefix      string      `yaml:"prefix"`
	Policy      Policy      `yaml:"policy"`
	OfflinePage string      `yaml:"offline_page"`
	Precache    []string    `yaml:"precache"`
	Routes      []RouteSpec `yaml:"routes"`
	Default     *RouteSpec  `yaml:"default,omitempty"`
	Navigation  *RouteSpec  `yaml:"navigation,omitempty"`
}

// RouteSpec is one entry of the ordered route table
type RouteSpec struct {
	Name           string    `yaml:"name"`
	Match          MatchSpec `yaml:"match"`
	Strategy       string    `yaml:"strategy"`
	Cache          string    `yaml:"cache"`
	MaxEntries     int       `yaml:"max_entries"`
	MaxAgeSeconds  int       `yaml:"max_age_seconds"`
	TimeoutSeconds float64   `yaml:"timeout_seconds"`
}

// MatchSpec lists conditions that must all hold for a route to apply
type MatchSpec struct {
	Path        string   `yaml:"path"`
	URL         string   `yaml:"url"`
	Origin      string   `yaml:"origin"`
	Destination []string `yaml:"destination"`
	Navigate    bool     `yaml:"navigate"`
	Accept      string   `yaml:"accept"`
}

// ParseManifest decodes and validates a manifest, filling defaults
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if m.Prefix == "" {
		m.Prefix = "voice101"
	}
	if m.Policy == "" {
		m.Policy = PolicyAsk
	}
	if m.OfflinePage == "" {
		m.OfflinePage = "/offline.html"
	}
	if m.Default == nil {
		m.Default = &RouteSpec{Name: "default", Strategy: string(strategy.StaleWhileRevalidate), Cache: "runtime"}
	}
	if m.Navigation == nil {
		m.Navigation = &RouteSpec{Name: "navigation", Strategy: string(strategy.NetworkFirst), Cache: "pages", TimeoutSeconds: 3}
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	if !contains(m.Precache, m.OfflinePage) {
		m.Precache = append(m.Precache, m.OfflinePage)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Policy != PolicyAsk && m.Policy != PolicyForce {
		return fmt.Errorf("%w: policy must be %q or %q, got %q", ErrInvalidManifest, PolicyAsk, PolicyForce, m.Policy)
	}
	if !strings.HasPrefix(m.OfflinePage, "/") {
		return fmt.Errorf("%w: offline_page must be an absolute path", ErrInvalidManifest)
	}

	specs := append([]RouteSpec(nil), m.Routes...)
	specs = append(specs, *m.Default, *m.Navigation)
	for i, rs := range specs {
		kind, err := strategy.ParseKind(rs.Strategy)
		if err != nil {
			return fmt.Errorf("%w: route %d (%s): %v", ErrInvalidManifest, i, rs.Name, err)
		}
		if kind != strategy.NetworkOnly && rs.Cache == "" {
			return fmt.Errorf("%w: route %d (%s): cache is required for %s", ErrInvalidManifest, i, rs.Name, kind)
		}
		if rs.MaxEntries < 0 || rs.MaxAgeSeconds < 0 || rs.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: route %d (%s): limits must not be negative", ErrInvalidManifest, i, rs.Name)
		}
		if strings.HasPrefix(rs.Cache, "precache") {
			return fmt.Errorf("%w: route %d (%s): the precache bucket is reserved", ErrInvalidManifest, i, rs.Name)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
