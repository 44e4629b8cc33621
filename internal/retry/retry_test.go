package retry

import (
	"reflect"
	"testing"
)

func TestParseVanishedRoots(t *testing.T) {
	stderr := `rsync: [sender] file has vanished: "/root/a" (in data)
some other line
rsync: [sender] file has vanished: "/root/a" (in data)
rsync: [sender] file has vanished: "/root/b" (in data)
`
	got := ParseVanishedRoots(stderr)
	want := []string{"/root/a", "/root/b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseVanishedRoots = %v, want %v", got, want)
	}
}

func TestParseVanishedRootsNoMatch(t *testing.T) {
	if got := ParseVanishedRoots("nothing interesting here"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestFrameIncludeCLIWorkedExample(t *testing.T) {
	result := FrameIncludeCLI("/root", []string{"a/b", "a/c/"}, []string{"/root/a"})

	wantIncludes := []string{
		"--include=/root/",
		"--include=/root/a/",
		"--include=/root/a/b",
		"--include=/root/a/c/",
		"--include=/root/a/c/***",
	}
	if !reflect.DeepEqual(result.Includes, wantIncludes) {
		t.Errorf("Includes = %v, want %v", result.Includes, wantIncludes)
	}

	wantExcludes := []string{"--exclude=*"}
	if !reflect.DeepEqual(result.Excludes, wantExcludes) {
		t.Errorf("Excludes = %v, want %v", result.Excludes, wantExcludes)
	}

	wantSources := []string{"/root/a/"}
	if !reflect.DeepEqual(result.Sources, wantSources) {
		t.Errorf("Sources = %v, want %v", result.Sources, wantSources)
	}
}

func TestFrameIncludeCLIIgnoresUnrelatedIncludes(t *testing.T) {
	result := FrameIncludeCLI("/root", []string{"a/b", "z/y"}, []string{"/root/a"})

	for _, inc := range result.Includes {
		if inc == "--include=/root/z/y" {
			t.Errorf("unrelated include leaked into reformulated set: %v", result.Includes)
		}
	}
}

func TestFrameIncludeCLINoMatchYieldsEmpty(t *testing.T) {
	result := FrameIncludeCLI("/root", []string{"z/y"}, []string{"/root/a"})
	if len(result.Includes) != 0 || len(result.Sources) != 0 {
		t.Errorf("expected no reformulation when nothing matches, got %+v", result)
	}
}
