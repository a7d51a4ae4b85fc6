// Package policy holds the compiled-in age restriction profiles and the
// matching rules derived from them. The table is embedded at build time
// and never mutated after loading.
package policy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

//go:embed profiles.yaml
var profilesConfig []byte

type profileTable struct {
	Profiles []domain.RestrictionProfile `yaml:"profiles"`
}

// Profiles is the static lookup from age group to restriction profile.
type Profiles struct {
	byGroup map[domain.AgeGroup]domain.RestrictionProfile
}

// Load parses the embedded profile table. All four age groups must be
// present; a build that ships an incomplete table is broken.
func Load() (*Profiles, error) {
	var table profileTable
	if err := yaml.Unmarshal(profilesConfig, &table); err != nil {
		return nil, fmt.Errorf("failed to parse embedded profiles: %w", err)
	}

	p := &Profiles{byGroup: make(map[domain.AgeGroup]domain.RestrictionProfile, len(table.Profiles))}
	for _, prof := range table.Profiles {
		p.byGroup[prof.AgeGroup] = prof
	}

	for _, g := range []domain.AgeGroup{domain.AgeToddler, domain.AgeChild, domain.AgeTeen, domain.AgeAdult} {
		if _, ok := p.byGroup[g]; !ok {
			return nil, fmt.Errorf("embedded profiles missing age group %q", g)
		}
	}
	return p, nil
}

// MustLoad is Load for startup paths where a broken table is fatal.
func MustLoad() *Profiles {
	p, err := Load()
	if err != nil {
		panic(err)
	}
	return p
}

// ForGroup returns the profile for an age group.
func (p *Profiles) ForGroup(g domain.AgeGroup) domain.RestrictionProfile {
	return p.byGroup[g]
}

// AppMatchesKeywords reports whether an app identifier matches any of
// the group's blocked keywords (case-insensitive substring). This is the
// secondary blocking path; the exact blocked-set check is authoritative.
func (p *Profiles) AppMatchesKeywords(pkg string, g domain.AgeGroup) bool {
	prof := p.byGroup[g]
	lower := strings.ToLower(pkg)
	for _, kw := range prof.BlockedAppKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// SiteMatchesProfile reports whether a URL matches any of the group's
// default blocked sites.
func (p *Profiles) SiteMatchesProfile(url string, g domain.AgeGroup) bool {
	prof := p.byGroup[g]
	lower := strings.ToLower(url)
	for _, site := range prof.BlockedSites {
		if strings.Contains(lower, strings.ToLower(site)) {
			return true
		}
	}
	return false
}

// ScreenTimeDefault returns the group's default daily budget in minutes.
func (p *Profiles) ScreenTimeDefault(g domain.AgeGroup) int {
	return p.byGroup[g].ScreenTimeMinutes
}
