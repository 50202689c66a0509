package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mindsync-ai/predator/pkg/quota"
	"github.com/mindsync-ai/predator/pkg/security"
)

// TenantProfile is the per-tenant configuration file. One file per
// tenant, named profile_<tenant>.yaml.
type TenantProfile struct {
	Name     string `yaml:"name" json:"name"`
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	// Engine is a semver constraint the running engine must satisfy.
	Engine   string          `yaml:"engine,omitempty" json:"engine,omitempty"`
	Security SecurityProfile `yaml:"security" json:"security"`
	Quota    QuotaProfile    `yaml:"quota,omitempty" json:"quota,omitempty"`
}

// SecurityProfile mirrors security.Policy in file form.
type SecurityProfile struct {
	AllowDomains  []string `yaml:"allow_domains" json:"allow_domains"`
	DenyDomains   []string `yaml:"deny_domains,omitempty" json:"deny_domains,omitempty"`
	AllowCustomJS bool     `yaml:"allow_custom_js,omitempty" json:"allow_custom_js,omitempty"`
}

// QuotaProfile overrides the default tenant quota. Zero fields keep
// the defaults.
type QuotaProfile struct {
	MaxConcurrentSessions int   `yaml:"max_concurrent_sessions,omitempty" json:"max_concurrent_sessions,omitempty"`
	MaxActionsPerMinute   int   `yaml:"max_actions_per_minute,omitempty" json:"max_actions_per_minute,omitempty"`
	MaxArtifactBytes      int64 `yaml:"max_artifact_bytes,omitempty" json:"max_artifact_bytes,omitempty"`
	MaxStepTokens         int   `yaml:"max_step_tokens,omitempty" json:"max_step_tokens,omitempty"`
}

const profileSchema = `{
	"type": "object",
	"required": ["tenant_id", "security"],
	"properties": {
		"name": {"type": "string"},
		"tenant_id": {"type": "string", "minLength": 1},
		"engine": {"type": "string"},
		"security": {
			"type": "object",
			"required": ["allow_domains"],
			"properties": {
				"allow_domains": {"type": "array", "items": {"type": "string", "minLength": 1}},
				"deny_domains": {"type": "array", "items": {"type": "string", "minLength": 1}},
				"allow_custom_js": {"type": "boolean"}
			},
			"additionalProperties": false
		},
		"quota": {
			"type": "object",
			"properties": {
				"max_concurrent_sessions": {"type": "integer", "minimum": 1},
				"max_actions_per_minute": {"type": "integer", "minimum": 1},
				"max_artifact_bytes": {"type": "integer", "minimum": 1},
				"max_step_tokens": {"type": "integer", "minimum": 100}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

var compiledProfileSchema = jsonschema.MustCompileString("profile.json", profileSchema)

func validateProfile(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	// Round-trip through JSON so numbers carry the types the schema
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}
	return compiledProfileSchema.Validate(normalized)
}

// LoadProfile loads and validates one tenant profile YAML by tenant ID.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(tenantID)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}
	return parseProfile(path, data)
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by tenant ID.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		profile, err := parseProfile(path, data)
		if err != nil {
			return nil, err
		}
		profiles[profile.TenantID] = profile
	}
	return profiles, nil
}

func parseProfile(path string, data []byte) (*TenantProfile, error) {
	if err := validateProfile(data); err != nil {
		return nil, fmt.Errorf("profile %s: %w", filepath.Base(path), err)
	}
	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if profile.Engine != "" {
		if _, err := semver.NewConstraint(profile.Engine); err != nil {
			return nil, fmt.Errorf("profile %s: engine constraint: %w", filepath.Base(path), err)
		}
	}
	return &profile, nil
}

// Compatible reports whether the running engine version satisfies the
// profile's engine constraint. An empty constraint matches everything.
func (p *TenantProfile) Compatible(engineVersion string) error {
	if p.Engine == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(p.Engine)
	if err != nil {
		return err
	}
	version, err := semver.NewVersion(engineVersion)
	if err != nil {
		return fmt.Errorf("engine version %q: %w", engineVersion, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("engine %s does not satisfy %q for tenant %s", engineVersion, p.Engine, p.TenantID)
	}
	return nil
}

// Policy converts the profile's security section to a runtime policy.
func (p *TenantProfile) Policy() security.Policy {
	return security.Policy{
		AllowDomains:  append([]string(nil), p.Security.AllowDomains...),
		DenyDomains:   append([]string(nil), p.Security.DenyDomains...),
		AllowCustomJS: p.Security.AllowCustomJS,
	}
}

// TenantQuota converts the profile's quota section, keeping defaults
// for unset fields.
func (p *TenantProfile) TenantQuota() quota.TenantQuota {
	q := quota.DefaultTenantQuota()
	if p.Quota.MaxConcurrentSessions > 0 {
		q.MaxConcurrentSessions = p.Quota.MaxConcurrentSessions
	}
	if p.Quota.MaxActionsPerMinute > 0 {
		q.MaxActionsPerMinute = p.Quota.MaxActionsPerMinute
	}
	if p.Quota.MaxArtifactBytes > 0 {
		q.MaxArtifactBytes = p.Quota.MaxArtifactBytes
	}
	if p.Quota.MaxStepTokens > 0 {
		q.MaxStepTokens = p.Quota.MaxStepTokens
	}
	return q
}
