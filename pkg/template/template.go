package template

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType names a starter configuration profile.
type TemplateType string

const (
	TypeAndroid  TemplateType = "android"
	TypeLogcat   TemplateType = "logcat"
	TypeJournald TemplateType = "journald"
	TypeSystemd  TemplateType = "systemd"
	TypeMinimal  TemplateType = "minimal"
	TypeBasic    TemplateType = "basic"
)

// ConfigTemplate mirrors the TOML layout read by logkeeper. Durations are
// kept as strings so the file reads "5s" rather than nanoseconds.
type ConfigTemplate struct {
	Monitor  MonitorSection   `toml:"monitor"`
	Rotation *RotationSection `toml:"rotation,omitempty"`
	Lookup   *LookupSection   `toml:"lookup,omitempty"`
	Capture  *CaptureSection  `toml:"capture,omitempty"`
	Log      *LogSection      `toml:"log,omitempty"`
	Server   *ServerSection   `toml:"server,omitempty"`
}

type MonitorSection struct {
	Target       string `toml:"target"`
	Dir          string `toml:"dir"`
	Interval     string `toml:"interval,omitempty"`
	WaitTimeout  string `toml:"wait_timeout,omitempty"`
	StopDebounce int    `toml:"stop_debounce,omitempty"`
}

type RotationSection struct {
	MaxFileBytes int64 `toml:"max_file_bytes"`
	MaxFileCount int   `toml:"max_file_count"`
}

type LookupSection struct {
	Methods []string `toml:"methods"`
	Pidof   string   `toml:"pidof,omitempty"`
	PS      string   `toml:"ps,omitempty"`
}

type CaptureSection struct {
	ScopedArgs []string `toml:"scoped_args"`
	GlobalArgs []string `toml:"global_args"`
	Grace      string   `toml:"grace,omitempty"`
	Env        []string `toml:"env,omitempty"`
}

type LogSection struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty"`
	MaxBackups int    `toml:"max_backups,omitempty"`
}

type ServerSection struct {
	Listen string `toml:"listen"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate builds the profile for target, writing logs under dir.
func (g *Generator) Generate(templateType TemplateType, target, dir string) (*ConfigTemplate, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}
	switch templateType {
	case TypeAndroid, TypeLogcat:
		return g.generateAndroidTemplate(target, dir), nil
	case TypeJournald, TypeSystemd:
		return g.generateJournaldTemplate(target, dir), nil
	case TypeMinimal, TypeBasic:
		return g.generateMinimalTemplate(target, dir), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)", templateType, strings.Join(g.GetSupportedTypes(), ", "))
	}
}

// GenerateTOML renders the profile as a TOML document.
func (g *Generator) GenerateTOML(templateType TemplateType, target, dir string) ([]byte, error) {
	tpl, err := g.Generate(templateType, target, dir)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeAndroid),
		string(TypeJournald),
		string(TypeMinimal),
	}
}

func orDefault(dir, def string) string {
	if strings.TrimSpace(dir) == "" {
		return def
	}
	return dir
}

func (g *Generator) generateAndroidTemplate(target, dir string) *ConfigTemplate {
	return &ConfigTemplate{
		Monitor: MonitorSection{
			Target:       target,
			Dir:          orDefault(dir, "/sdcard/logcat_logs"),
			Interval:     "5s",
			WaitTimeout:  "30s",
			StopDebounce: 1,
		},
		Rotation: &RotationSection{MaxFileBytes: 10 << 20, MaxFileCount: 450},
		Lookup:   &LookupSection{Methods: []string{"pidof", "ps"}, Pidof: "pidof", PS: "ps -A"},
		Capture: &CaptureSection{
			ScopedArgs: []string{"logcat", "--pid", "{pid}", "-v", "threadtime"},
			GlobalArgs: []string{"logcat", "-v", "threadtime"},
			Grace:      "3s",
		},
		Log: &LogSection{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

func (g *Generator) generateJournaldTemplate(target, dir string) *ConfigTemplate {
	return &ConfigTemplate{
		Monitor: MonitorSection{
			Target:       target,
			Dir:          orDefault(dir, "/var/log/logkeeper"),
			Interval:     "5s",
			WaitTimeout:  "30s",
			StopDebounce: 2,
		},
		Rotation: &RotationSection{MaxFileBytes: 50 << 20, MaxFileCount: 100},
		Lookup:   &LookupSection{Methods: []string{"pidof", "proctable"}, Pidof: "pidof"},
		Capture: &CaptureSection{
			ScopedArgs: []string{"journalctl", "-f", "-n", "0", "-o", "short-iso", "_PID={pid}"},
			GlobalArgs: []string{"journalctl", "-f", "-n", "0", "-o", "short-iso"},
			Grace:      "3s",
			Env:        []string{"SYSTEMD_COLORS=0"},
		},
		Log:    &LogSection{Level: "info", MaxSizeMB: 10, MaxBackups: 5},
		Server: &ServerSection{Listen: "127.0.0.1:9400"},
	}
}

func (g *Generator) generateMinimalTemplate(target, dir string) *ConfigTemplate {
	return &ConfigTemplate{
		Monitor: MonitorSection{
			Target: target,
			Dir:    orDefault(dir, "/sdcard/logcat_logs"),
		},
	}
}
