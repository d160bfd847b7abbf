// Package runtimeconfig loads the YAML configuration file that parameterizes
// a vmcontext.Context before it's constructed: worker count, per-Task step
// budget, and the GC heap threshold. Grounded on conformance/loader.go's
// yaml.Unmarshal-driven file loading, generalized from a test-suite format
// to a runtime tuning file read once at process start.
package runtimeconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rizqme/raya-sub003/vmcontext"
)

// Config is the on-disk shape of a runtime configuration file.
type Config struct {
	Workers         int    `yaml:"workers"`
	StepBudget      int64  `yaml:"step_budget"`
	MaxHeapBytes    uint64 `yaml:"max_heap_bytes"`
	MaxTasks        int    `yaml:"max_tasks"`
	MaxTotalSteps   int64  `yaml:"max_total_steps"`
	GCThresholdPct  int    `yaml:"gc_threshold_pct"`
	Permissions     []string `yaml:"permissions"`
}

// Default returns the configuration used when no file is given: one worker
// per logical CPU is the caller's job to resolve (this package takes
// Workers <= 0 to mean "caller decides"), the scheduler's own default step
// budget, and no heap ceiling.
func Default() Config {
	return Config{
		Workers:        0,
		StepBudget:     vmcontext.DefaultStepBudget,
		GCThresholdPct: 80,
	}
}

// Load reads and parses a runtime configuration file from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("runtimeconfig: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("runtimeconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Limits converts the loaded config into the vmcontext.Limits New expects.
func (c Config) Limits() vmcontext.Limits {
	l := vmcontext.Limits{
		MaxHeapBytes:  c.MaxHeapBytes,
		MaxTasks:      c.MaxTasks,
		StepBudget:    c.StepBudget,
		MaxTotalSteps: c.MaxTotalSteps,
	}
	if c.MaxHeapBytes > 0 && c.GCThresholdPct > 0 {
		l.GCThresholdBytes = c.MaxHeapBytes * uint64(c.GCThresholdPct) / 100
	}
	return l
}

// PermissionSet resolves the config's named permission list into a
// vmcontext.PermissionSet, grounded on the same name table
// InjectCapability's callers would use.
func (c Config) PermissionSet() (vmcontext.PermissionSet, error) {
	var bits vmcontext.Permission
	for _, name := range c.Permissions {
		bit, ok := permissionByName[name]
		if !ok {
			return vmcontext.PermissionSet{}, fmt.Errorf("runtimeconfig: unknown permission %q", name)
		}
		bits |= bit
	}
	return vmcontext.NewPermissionSet(bits), nil
}

var permissionByName = map[string]vmcontext.Permission{
	"spawn_task":    vmcontext.PermSpawnTask,
	"network":       vmcontext.PermNetwork,
	"filesystem":    vmcontext.PermFilesystem,
	"crypto":        vmcontext.PermCrypto,
	"spawn_context": vmcontext.PermSpawnContext,
}
