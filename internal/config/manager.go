package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverrides holds the per-tenant fields a tenant is allowed to
// override — currently business-hours definition (for the off-hours
// detector) and detection thresholds seed values.
type TenantOverrides struct {
	Detection DetectionConfig `yaml:"detection"`
}

// TenantsFile is the on-disk shape of the tenant-overrides file.
type TenantsFile struct {
	Tenants map[string]TenantOverrides `yaml:"tenants"`
}

// Manager resolves the effective config for a given tenant by layering its
// overrides on top of the global config. Detectors and the discovery
// scheduler read through a Manager rather than the bare singleton so a
// tenant's business-hours definition can differ from the platform default.
type Manager struct {
	global  *Config
	tenants map[string]TenantOverrides
	mu      sync.RWMutex
}

// NewManager loads the global config and an optional tenant-overrides file.
// A missing tenants file is not an error — it just means no tenant has
// overrides yet.
func NewManager(globalPath, tenantsPath string) (*Manager, error) {
	global, err := LoadConfig(globalPath)
	if err != nil {
		return nil, err
	}
	global.applyDefaults()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: global, tenants: make(map[string]TenantOverrides)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tf TenantsFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, err
	}

	return &Manager{global: global, tenants: tf.Tenants}, nil
}

// Get returns the effective config for tenantID: the global config with any
// non-zero override fields from the tenant's entry applied on top.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	override, ok := m.tenants[tenantID]
	if !ok {
		return &effective
	}

	if override.Detection.BusinessHoursTimezone != "" {
		effective.Detection.BusinessHoursTimezone = override.Detection.BusinessHoursTimezone
	}
	if override.Detection.BusinessHoursEnd != 0 {
		effective.Detection.BusinessHoursStart = override.Detection.BusinessHoursStart
		effective.Detection.BusinessHoursEnd = override.Detection.BusinessHoursEnd
	}
	if override.Detection.BatchThresholdCount != 0 {
		effective.Detection.BatchThresholdCount = override.Detection.BatchThresholdCount
		effective.Detection.BatchWindowSeconds = override.Detection.BatchWindowSeconds
	}

	return &effective
}

// SetOverride installs or replaces a tenant's override entry at runtime.
func (m *Manager) SetOverride(tenantID string, override TenantOverrides) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = override
}
