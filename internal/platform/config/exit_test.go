package config_test

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/louisbranch/ledger/internal/platform/config"
)

// Exit paths run in a subprocess because os.Exit cannot be intercepted
// in-process.
func TestExitOnError_ExitsWithStepPrefix(t *testing.T) {
	if os.Getenv("TEST_EXIT_SUBPROCESS") == "1" {
		config.ExitOnError("open store", errors.New("disk full"))
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitOnError_ExitsWithStepPrefix$")
	cmd.Env = append(os.Environ(), "TEST_EXIT_SUBPROCESS=1")

	out, err := cmd.CombinedOutput()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(string(out), "open store: disk full") {
		t.Fatalf("expected stderr to contain step prefix, got %q", string(out))
	}
}

func TestExitOnError_NilIsNoop(t *testing.T) {
	config.ExitOnError("noop", nil)
}
