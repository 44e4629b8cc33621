package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestLoadConfigFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.json", `{
		"Files": [
			{
				"Path": "/tmp/data/srcFile1",
				"DestinationPath": "/tmp/data/destFile1",
				"SyncDirection": "Active2Passive",
				"SyncType": "Immediate"
			},
			{
				"Path": "/tmp/data/srcFile2",
				"SyncDirection": "Periodic",
				"SyncType": "Periodic",
				"Periodicity": "PT5M",
				"RetryAttempts": 3,
				"RetryInterval": "PT10S"
			}
		],
		"Directories": [
			{
				"Path": "/tmp/data/srcDir",
				"SyncDirection": "Bidirectional",
				"SyncType": "Immediate",
				"IncludeFilesList": ["a/b"],
				"ExcludeFilesList": ["a/b/tmp"]
			}
		]
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if len(cfg.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(cfg.Entries))
	}

	f1 := cfg.Entries[0]
	if f1.Path != "/tmp/data/srcFile1" || f1.DestPath != "/tmp/data/destFile1" {
		t.Errorf("unexpected entry 0: %+v", f1)
	}
	if f1.Direction != Active2Passive || f1.SyncType != Immediate {
		t.Errorf("unexpected entry 0 direction/type: %+v", f1)
	}
	if f1.IsDirectory {
		t.Errorf("entry 0 should not be a directory")
	}

	// Unknown SyncDirection ("Periodic" is not a direction) falls back
	// to Active2Passive with a warning, per spec.
	f2 := cfg.Entries[1]
	if f2.Direction != Active2Passive {
		t.Errorf("entry 1: expected fallback direction Active2Passive, got %v", f2.Direction)
	}
	if f2.SyncType != Periodic || f2.Periodicity != 5*time.Minute {
		t.Errorf("entry 1: unexpected periodicity config: %+v", f2)
	}
	if f2.Retry == nil || f2.Retry.Attempts != 3 || f2.Retry.Interval != 10*time.Second {
		t.Errorf("entry 1: unexpected retry config: %+v", f2.Retry)
	}

	d1 := cfg.Entries[2]
	if !d1.IsDirectory {
		t.Errorf("entry 2 should be a directory")
	}
	if d1.Direction != Bidirectional {
		t.Errorf("entry 2: unexpected direction: %v", d1.Direction)
	}
	if len(d1.IncludeList) != 1 || d1.IncludeList[0] != "a/b" {
		t.Errorf("entry 2: unexpected include list: %v", d1.IncludeList)
	}
}

func TestLoadConfigMalformedPeriodicityDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.json", `{
		"Files": [{
			"Path": "/tmp/data/srcFile",
			"SyncDirection": "Active2Passive",
			"SyncType": "Periodic",
			"Periodicity": "not-a-duration"
		}]
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Entries[0].Periodicity != DefaultPeriodicity {
		t.Errorf("expected default periodicity %v, got %v", DefaultPeriodicity, cfg.Entries[0].Periodicity)
	}
}

func TestLoadConfigRejectsDuplicatePathDirection(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.json", `{
		"Files": [
			{"Path": "/tmp/data/srcFile", "SyncDirection": "Active2Passive", "SyncType": "Immediate"},
			{"Path": "/tmp/data/srcFile", "SyncDirection": "Active2Passive", "SyncType": "Periodic", "Periodicity": "PT1M"}
		]
	}`)

	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for duplicate (path, direction) pair, got nil")
	}
}

func TestLoadConfigAllowsSamePathDifferentDirection(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.json", `{
		"Files": [
			{"Path": "/tmp/data/srcFile", "SyncDirection": "Active2Passive", "SyncType": "Immediate"},
			{"Path": "/tmp/data/srcFile", "SyncDirection": "Passive2Active", "SyncType": "Immediate"}
		]
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(cfg.Entries))
	}
}

func TestLoadConfigRejectsRelativePath(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.json", `{
		"Files": [{"Path": "relative/path", "SyncDirection": "Active2Passive", "SyncType": "Immediate"}]
	}`)

	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for relative Path, got nil")
	}
}

func TestLoadConfigStateDrivenSync(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.json", `{
		"Files": [{
			"Path": "/tmp/data/srcFile",
			"SyncDirection": "Active2Passive",
			"SyncType": "Immediate",
			"StateDrivenSync": [
				{
					"xyz.openbmc_project.State.Host": {
						"ServiceName": "xyz.openbmc_project.State.Host",
						"SuspendStates": {"CurrentHostState": ["xyz.openbmc_project.State.Host.HostState.Running"]},
						"ResumeStates": {"CurrentHostState": ["xyz.openbmc_project.State.Host.HostState.Off"]}
					}
				}
			]
		}]
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	sd := cfg.Entries[0].StateDriven
	if sd == nil {
		t.Fatal("expected StateDriven descriptor, got nil")
	}
	info, ok := sd.Interfaces["xyz.openbmc_project.State.Host"]
	if !ok {
		t.Fatal("expected interface entry for State.Host")
	}
	if _, ok := info.SuspendStates["CurrentHostState"]["xyz.openbmc_project.State.Host.HostState.Running"]; !ok {
		t.Errorf("expected Running in suspend states, got %+v", info.SuspendStates)
	}
	if _, ok := info.ResumeStates["CurrentHostState"]["xyz.openbmc_project.State.Host.HostState.Off"]; !ok {
		t.Errorf("expected Off in resume states, got %+v", info.ResumeStates)
	}
}

func TestLoadConfigEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for directory with no json files")
	}
}
