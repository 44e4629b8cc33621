package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// fakeExecutor is a scripted Executor that returns canned results in call
// order without shelling out to rsync. No test in this file calls it.
type fakeExecutor struct {
	calls   []Request
	results []Result
	errs    []error
	next    int
}

func (f *fakeExecutor) Transfer(ctx context.Context, req Request) (Result, error) {
	f.calls = append(f.calls, req)
	i := f.next
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.next++
	var res Result
	var err error
	if i >= 0 && i < len(f.results) {
		res = f.results[i]
	}
	if i >= 0 && i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

func TestBuildArgsIncludesDeleteFlag(t *testing.T) {
	args := buildArgs(Request{
		Sources: []string{"/root/a/"},
		Dest:    "peer:/root/a/",
		Delete:  true,
	})
	found := false
	for _, a := range args {
		if a == "--delete" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected --delete in args, got %v", args)
	}
}

func TestBuildArgsOrdersFiltersBeforeSources(t *testing.T) {
	args := buildArgs(Request{
		Sources:  []string{"/root/a/"},
		Dest:     "peer:/root/a/",
		Includes: []string{"--include=/root/"},
		Excludes: []string{"--exclude=*"},
	})

	idxInclude, idxSource := -1, -1
	for i, a := range args {
		if a == "--include=/root/" {
			idxInclude = i
		}
		if a == "/root/a/" {
			idxSource = i
		}
	}
	if idxInclude == -1 || idxSource == -1 || idxInclude > idxSource {
		t.Errorf("expected filters before sources, got %v", args)
	}
}

func TestRsyncExecutorReportsExitCode(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("/bin/false not present")
	}

	exec := &RsyncExecutor{BinaryPath: "/bin/false"}
	_, err := exec.Transfer(context.Background(), Request{
		Sources: []string{"/tmp"},
		Dest:    filepath.Join(t.TempDir(), "dest"),
	})
	if err == nil {
		t.Fatal("expected an error from a failing executor")
	}
}
