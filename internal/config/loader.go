package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// rawDocument mirrors one on-disk JSON config document: a top-level
// "Files" array and/or "Directories" array of entries with identical
// schema, per spec.
type rawDocument struct {
	Files       []rawEntry `json:"Files"`
	Directories []rawEntry `json:"Directories"`
}

type rawEntry struct {
	Path             string            `json:"Path"`
	DestinationPath  string            `json:"DestinationPath,omitempty"`
	Description      string            `json:"Description,omitempty"`
	SyncDirection    string            `json:"SyncDirection"`
	SyncType         string            `json:"SyncType"`
	Periodicity      string            `json:"Periodicity,omitempty"`
	RetryAttempts    *uint8            `json:"RetryAttempts,omitempty"`
	RetryInterval    string            `json:"RetryInterval,omitempty"`
	ExcludeFilesList []string          `json:"ExcludeFilesList,omitempty"`
	IncludeFilesList []string          `json:"IncludeFilesList,omitempty"`
	StateDrivenSync  []rawInterfaceMap `json:"StateDrivenSync,omitempty"`
}

// rawInterfaceMap decodes one element of the StateDrivenSync array: a
// single-key object whose key is the D-Bus interface name.
type rawInterfaceMap map[string]rawStateInfo

type rawStateInfo struct {
	// ServiceName is not part of the original daemon's JSON schema; it
	// is an optional addition. When absent it defaults
	// to the interface name itself, which is the common OpenBMC
	// convention for single-implementer interfaces.
	ServiceName   string              `json:"ServiceName,omitempty"`
	SuspendStates map[string][]string `json:"SuspendStates,omitempty"`
	ResumeStates  map[string][]string `json:"ResumeStates,omitempty"`
}

// LoadConfig reads every *.json file directly under dir (sorted by name
// for determinism), concatenates their Files/Directories arrays, and
// returns the validated, registration-ordered Config.
func LoadConfig(dir string) (*Config, error) {
	files, err := listJSONFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("config: no *.json files found under %s", dir)
	}

	cfg := &Config{}
	for _, path := range files {
		if err := appendDocument(cfg, path); err != nil {
			return nil, err
		}
	}

	for i, e := range cfg.Entries {
		e.ID = i
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfigFile loads a single JSON document, for callers (and tests)
// that don't want directory-scan semantics.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := appendDocument(cfg, path); err != nil {
		return nil, err
	}
	for i, e := range cfg.Entries {
		e.ID = i
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func appendDocument(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	for _, re := range doc.Files {
		entry, err := buildEntry(re, false)
		if err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
		cfg.Entries = append(cfg.Entries, entry)
	}
	for _, re := range doc.Directories {
		entry, err := buildEntry(re, true)
		if err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
		cfg.Entries = append(cfg.Entries, entry)
	}
	return nil
}

func listJSONFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func buildEntry(re rawEntry, isDir bool) (*SyncEntry, error) {
	if re.Path == "" {
		return nil, fmt.Errorf("entry has no Path")
	}
	if !filepath.IsAbs(re.Path) {
		return nil, fmt.Errorf("entry %s: Path must be absolute", re.Path)
	}

	entry := &SyncEntry{
		Path:        re.Path,
		IsDirectory: isDir,
		DestPath:    re.DestinationPath,
		Description: re.Description,
		Direction:   convertDirection(re.Path, re.SyncDirection),
		SyncType:    convertSyncType(re.Path, re.SyncType),
	}

	if entry.SyncType == Periodic {
		d, err := ParseISODuration(re.Periodicity)
		if err != nil || d <= 0 {
			slog.Warn("invalid periodicity, using default",
				"path", re.Path, "value", re.Periodicity, "default", DefaultPeriodicity)
			d = DefaultPeriodicity
		}
		entry.Periodicity = d
	}

	if re.RetryAttempts != nil && re.RetryInterval != "" {
		interval, err := ParseISODuration(re.RetryInterval)
		if err != nil {
			slog.Warn("invalid retry interval, using default",
				"path", re.Path, "value", re.RetryInterval, "default", DefaultRetryInterval)
			interval = DefaultRetryInterval
		}
		entry.Retry = &Retry{Attempts: *re.RetryAttempts, Interval: interval}
	} else if re.RetryAttempts != nil || re.RetryInterval != "" {
		return nil, fmt.Errorf("entry %s: RetryAttempts and RetryInterval must both be set or both absent", re.Path)
	}

	entry.IncludeList = re.IncludeFilesList
	entry.ExcludeList = re.ExcludeFilesList

	if len(re.StateDrivenSync) > 0 {
		desc := &StateDrivenDescriptor{Interfaces: map[string]*StateInfo{}}
		for _, ifaceMap := range re.StateDrivenSync {
			for ifaceName, raw := range ifaceMap {
				info := &StateInfo{
					ServiceName:   raw.ServiceName,
					SuspendStates: toValueSets(raw.SuspendStates),
					ResumeStates:  toValueSets(raw.ResumeStates),
				}
				if info.ServiceName == "" {
					info.ServiceName = ifaceName
				}
				desc.Interfaces[ifaceName] = info
			}
		}
		entry.StateDriven = desc
	}

	return entry, nil
}

func toValueSets(m map[string][]string) map[string]map[string]struct{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]map[string]struct{}, len(m))
	for prop, values := range m {
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		out[prop] = set
	}
	return out
}

func convertDirection(path, s string) Direction {
	switch s {
	case "Active2Passive":
		return Active2Passive
	case "Passive2Active":
		return Passive2Active
	case "Bidirectional":
		return Bidirectional
	default:
		slog.Warn("unsupported sync direction, defaulting to Active2Passive",
			"path", path, "value", s)
		return Active2Passive
	}
}

func convertSyncType(path, s string) SyncType {
	switch s {
	case "Immediate":
		return Immediate
	case "Periodic":
		return Periodic
	default:
		slog.Warn("unsupported sync type, defaulting to Immediate",
			"path", path, "value", s)
		return Immediate
	}
}

// validate enforces the invariants across the whole entry set: unique
// path+direction, positive periodicity for Periodic entries (already
// defaulted above), and non-empty include / exclude patterns. Absolute
// paths are checked earlier, in buildEntry.
func validate(cfg *Config) error {
	if len(cfg.Entries) == 0 {
		return fmt.Errorf("config: no sync entries configured")
	}

	type key struct {
		path string
		dir  Direction
	}
	seen := make(map[key]bool, len(cfg.Entries))

	for _, e := range cfg.Entries {
		k := key{e.Path, e.Direction}
		if seen[k] {
			return fmt.Errorf("config: duplicate (path, direction) pair: %s %s", e.Path, e.Direction)
		}
		seen[k] = true

		if e.SyncType == Periodic && e.Periodicity <= 0 {
			return fmt.Errorf("config: entry %s: Periodic entry must have positive periodicity", e.Path)
		}

		for _, p := range e.IncludeList {
			if p == "" {
				return fmt.Errorf("config: entry %s: empty IncludeFilesList pattern", e.Path)
			}
		}
		for _, p := range e.ExcludeList {
			if p == "" {
				return fmt.Errorf("config: entry %s: empty ExcludeFilesList pattern", e.Path)
			}
		}
	}

	return nil
}
