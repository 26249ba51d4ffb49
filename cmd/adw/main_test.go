package main_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// projectRoot returns the absolute path to the project root directory.
func projectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (no go.mod found in any parent directory)")
		}
		dir = parent
	}
}

func TestBuild_Compiles(t *testing.T) {
	root := projectRoot(t)
	binDir := t.TempDir()
	binPath := filepath.Join(binDir, "adw")

	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/adw/")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "go build failed: %s", string(output))

	info, err := os.Stat(binPath)
	require.NoError(t, err, "binary was not created at %s", binPath)
	assert.Greater(t, info.Size(), int64(0), "binary must not be empty")
}

func TestBuild_BinaryRuns(t *testing.T) {
	root := projectRoot(t)
	binDir := t.TempDir()
	binPath := filepath.Join(binDir, "adw")

	buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/adw/")
	buildCmd.Dir = root
	buildCmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	buildOutput, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "go build failed: %s", string(buildOutput))

	// With no subcommand, the root command prints help and exits 0.
	runCmd := exec.Command(binPath)
	output, err := runCmd.CombinedOutput()
	require.NoError(t, err, "binary execution failed with output: %s", string(output))
}

func TestBuild_BinaryOutput(t *testing.T) {
	root := projectRoot(t)
	binDir := t.TempDir()
	binPath := filepath.Join(binDir, "adw")

	buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/adw/")
	buildCmd.Dir = root
	buildCmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	buildOutput, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "go build failed: %s", string(buildOutput))

	runCmd := exec.Command(binPath)
	output, err := runCmd.CombinedOutput()
	require.NoError(t, err, "binary execution failed")

	outputStr := strings.TrimSpace(string(output))
	assert.Contains(t, outputStr, "AI development workflow orchestrator",
		"binary with no subcommand must print the root command's help text")
	assert.Contains(t, outputStr, "Usage:")
}

func TestBuild_VersionSubcommand(t *testing.T) {
	root := projectRoot(t)
	binDir := t.TempDir()
	binPath := filepath.Join(binDir, "adw")

	buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/adw/")
	buildCmd.Dir = root
	buildCmd.Env = append(os.Environ(), "CGO_ENABLED=0")

	buildOutput, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "go build failed: %s", string(buildOutput))

	runCmd := exec.Command(binPath, "version")
	output, err := runCmd.CombinedOutput()
	require.NoError(t, err, "adw version failed: %s", string(output))
	assert.NotEmpty(t, strings.TrimSpace(string(output)))
}

func TestGoRun_Success(t *testing.T) {
	root := projectRoot(t)

	cmd := exec.Command("go", "run", "./cmd/adw/", "version")
	cmd.Dir = root

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "go run failed: %s", string(output))
	assert.NotEmpty(t, strings.TrimSpace(string(output)))
}

func TestGoVet_Passes(t *testing.T) {
	root := projectRoot(t)

	cmd := exec.Command("go", "vet", "./...")
	cmd.Dir = root

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "go vet failed with output: %s", string(output))
}

func TestGoModTidy_NoChanges(t *testing.T) {
	root := projectRoot(t)

	before, err := os.ReadFile(filepath.Join(root, "go.mod"))
	require.NoError(t, err)

	cmd := exec.Command("go", "mod", "tidy")
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "go mod tidy failed: %s", string(output))

	after, err := os.ReadFile(filepath.Join(root, "go.mod"))
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after), "go.mod must already be tidy")
}
