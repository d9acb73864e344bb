package provider

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/anchord/internal/crypto"
)

type TSAProfile struct {
	Slug         string `yaml:"slug" json:"slug"`
	Name         string `yaml:"name" json:"name"`
	URL          string `yaml:"url" json:"url"`
	AuthRequired bool   `yaml:"auth_required" json:"auth_required"`
	Notes        string `yaml:"notes" json:"notes,omitempty"`
}

var builtinProfiles = []TSAProfile{
	{Slug: "freetsa", Name: "FreeTSA", URL: "https://freetsa.org/tsr", Notes: "Free public TSA; best effort availability."},
	{Slug: "digicert", Name: "DigiCert", URL: "http://timestamp.digicert.com"},
	{Slug: "sectigo", Name: "Sectigo", URL: "http://timestamp.sectigo.com", Notes: "Rate limited; space requests at least 15s apart."},
	{Slug: "globalsign", Name: "GlobalSign", URL: "http://timestamp.globalsign.com/tsa/r6advanced1"},
}

// Catalogue is the set of known TSA profiles: the built-in list plus an
// optional operator overlay.
type Catalogue struct {
	profiles map[string]TSAProfile
	// Hash identifies the overlay file contents; empty without an overlay.
	Hash string
}

func DefaultCatalogue() *Catalogue {
	c := &Catalogue{profiles: make(map[string]TSAProfile, len(builtinProfiles))}
	for _, p := range builtinProfiles {
		c.profiles[p.Slug] = p
	}
	return c
}

type profileFile struct {
	Profiles []TSAProfile `yaml:"profiles"`
}

// LoadProfiles reads a YAML overlay and merges it over the built-in
// profiles. Overlay entries replace built-ins with the same slug.
func LoadProfiles(path string) (*Catalogue, error) {
	c := DefaultCatalogue()
	if path == "" {
		return c, nil
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for i, p := range file.Profiles {
		if p.Slug == "" || p.URL == "" {
			return nil, fmt.Errorf("profile %d: slug and url are required", i)
		}
		c.profiles[p.Slug] = p
	}
	c.Hash = crypto.DigestWithPrefix(data)
	return c, nil
}

// Profiles lists all profiles sorted by slug.
func (c *Catalogue) Profiles() []TSAProfile {
	out := make([]TSAProfile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (c *Catalogue) LookupProfile(slug string) (TSAProfile, bool) {
	p, ok := c.profiles[slug]
	return p, ok
}

// ResolveURL picks the TSA endpoint: a custom URL wins over the profile.
func (c *Catalogue) ResolveURL(slug, customURL string) (string, error) {
	if customURL != "" {
		return customURL, nil
	}
	if slug == "" {
		slug = "freetsa"
	}
	p, ok := c.profiles[slug]
	if !ok {
		return "", fmt.Errorf("unknown tsa profile: %s", slug)
	}
	return p.URL, nil
}
