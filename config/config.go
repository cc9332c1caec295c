package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/sched"
	"github.com/hivemesh/fabric/service"
)

// Modes a fabricd node can start in.
var validModes = []string{"bootstrap", "passive", "active", "mesh", "coordinator", "worker"}

// File is the decoded configuration file.
type File struct {
	ListenAddr string   `hcl:"listen_addr,optional"`
	Mode       string   `hcl:"mode,optional"`
	Adaptive   bool     `hcl:"adaptive,optional"`
	Seeds      []string `hcl:"seeds,optional"`
	Name       string   `hcl:"name,optional"`
	Version    string   `hcl:"version,optional"`
	GPU        bool     `hcl:"gpu,optional"`
	AuthToken  string   `hcl:"auth_token,optional"`
	LogLevel   string   `hcl:"log_level,optional"`

	Timeouts  *TimeoutsBlock  `hcl:"timeouts,block"`
	History   *HistoryBlock   `hcl:"history,block"`
	Services  []ServiceBlock  `hcl:"service,block"`
	Schedules []ScheduleBlock `hcl:"schedule,block"`
}

// TimeoutsBlock overrides the fabric's interval defaults. Values are
// Go duration strings ("10s", "5m").
type TimeoutsBlock struct {
	HeartbeatInterval   string `hcl:"heartbeat_interval,optional"`
	BroadcastInterval   string `hcl:"broadcast_interval,optional"`
	DeadPeerThreshold   string `hcl:"dead_peer_threshold,optional"`
	ReconnectDelay      string `hcl:"reconnect_delay,optional"`
	SweepInterval       string `hcl:"sweep_interval,optional"`
	DiscoveryInterval   string `hcl:"discovery_interval,optional"`
	StaleEntryThreshold string `hcl:"stale_entry_threshold,optional"`
	ManageInterval      string `hcl:"manage_interval,optional"`
	CallTimeout         string `hcl:"call_timeout,optional"`
}

// HistoryBlock configures the terminal-task audit trail.
type HistoryBlock struct {
	Limit     int    `hcl:"limit,optional"`
	RedisAddr string `hcl:"redis_addr,optional"`
}

// ServiceBlock declares a service cluster registered at startup.
type ServiceBlock struct {
	Name           string   `hcl:"name,label"`
	Type           string   `hcl:"type,optional"`
	MinNodes       int      `hcl:"min_nodes"`
	PreferredNodes int      `hcl:"preferred_nodes,optional"`
	Capabilities   []string `hcl:"capabilities,optional"`
}

// ScheduleBlock declares a recurring task registered at startup.
type ScheduleBlock struct {
	Name     string `hcl:"name,label"`
	Cron     string `hcl:"cron"`
	TaskType string `hcl:"task_type"`
	Payload  string `hcl:"payload,optional"`
	Priority int    `hcl:"priority,optional"`
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(path, src)
}

// Parse decodes configuration from source bytes. The filename only
// labels diagnostics.
func Parse(filename string, src []byte) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %s", filename, diags.Error())
	}

	var f File
	diags = gohcl.DecodeBody(hclFile.Body, evalContext(), &f)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %s", filename, diags.Error())
	}

	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// evalContext exposes the process environment as the env map, so
// attributes can interpolate "${env.VAR}".
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

func (f *File) validate() error {
	if f.Mode != "" && !containsString(validModes, f.Mode) {
		return fmt.Errorf("config: unknown mode %q", f.Mode)
	}
	for _, s := range f.Services {
		def := s.definition()
		if err := def.Validate(); err != nil {
			return fmt.Errorf("config: service %q: %w", s.Name, err)
		}
	}
	for _, sc := range f.Schedules {
		if sc.TaskType == "" {
			return fmt.Errorf("config: schedule %q: task_type is required", sc.Name)
		}
		if _, err := sched.ParseSchedule(sc.Cron); err != nil {
			return fmt.Errorf("config: schedule %q: %w", sc.Name, err)
		}
	}
	return nil
}

// FabricConfig merges the file over DefaultConfig.
func (f *File) FabricConfig() (fabric.Config, error) {
	cfg := fabric.DefaultConfig()
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.History != nil && f.History.Limit > 0 {
		cfg.HistoryLimit = f.History.Limit
	}
	if f.Timeouts == nil {
		return cfg, nil
	}

	fields := []struct {
		raw string
		dst *time.Duration
	}{
		{f.Timeouts.HeartbeatInterval, &cfg.HeartbeatInterval},
		{f.Timeouts.BroadcastInterval, &cfg.BroadcastInterval},
		{f.Timeouts.DeadPeerThreshold, &cfg.DeadPeerThreshold},
		{f.Timeouts.ReconnectDelay, &cfg.ReconnectDelay},
		{f.Timeouts.SweepInterval, &cfg.SweepInterval},
		{f.Timeouts.DiscoveryInterval, &cfg.DiscoveryInterval},
		{f.Timeouts.StaleEntryThreshold, &cfg.StaleEntryThreshold},
		{f.Timeouts.ManageInterval, &cfg.ManageInterval},
		{f.Timeouts.CallTimeout, &cfg.CallTimeout},
	}
	for _, field := range fields {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return cfg, fmt.Errorf("config: bad duration %q: %w", field.raw, err)
		}
		*field.dst = d
	}
	return cfg, nil
}

// ServiceDefinitions converts the service blocks.
func (f *File) ServiceDefinitions() []service.Definition {
	out := make([]service.Definition, 0, len(f.Services))
	for _, s := range f.Services {
		out = append(out, s.definition())
	}
	return out
}

func (s ServiceBlock) definition() service.Definition {
	return service.Definition{
		Name:         s.Name,
		Type:         s.Type,
		Capabilities: s.Capabilities,
		Requirements: service.Requirements{
			MinNodes:         s.MinNodes,
			PreferredNodes:   s.PreferredNodes,
			NodeCapabilities: s.Capabilities,
		},
	}
}

// ScheduleDefinitions converts the schedule blocks.
func (f *File) ScheduleDefinitions() []sched.Definition {
	out := make([]sched.Definition, 0, len(f.Schedules))
	for _, sc := range f.Schedules {
		def := sched.Definition{
			Name:     sc.Name,
			Schedule: sc.Cron,
			TaskType: sc.TaskType,
			Priority: sc.Priority,
		}
		if sc.Payload != "" {
			def.Payload = []byte(sc.Payload)
		}
		out = append(out, def)
	}
	return out
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
