package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// runChecks runs every check and returns the names of the failed ones.
func runChecks(checks []Check, ctx *CheckContext) []string {
	var failed []string
	for _, check := range checks {
		fmt.Printf("  • %s... ", check.Name())
		start := time.Now()
		err := check.Run(ctx)
		duration := time.Since(start)

		if err != nil {
			fmt.Printf("%sFAILED%s (%s)\n", colorRed, colorReset, formatDuration(duration))
			if ctx.Verbose {
				fmt.Printf("      Error: %v\n", err)
			}
			failed = append(failed, check.Name())
			continue
		}
		fmt.Printf("%sOK%s (%s)\n", colorGreen, colorReset, formatDuration(duration))
	}
	return failed
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}

// runCommand executes a command and optionally captures its output.
func runCommand(cmd *exec.Cmd, captureOutput bool) (string, error) {
	var stdout, stderr bytes.Buffer
	if captureOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}
	return output, err
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func getGoPath() string {
	output, err := exec.Command("go", "env", "GOPATH").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// ensureToolInstalled installs a Go tool with go install unless it is already
// in PATH.
func ensureToolInstalled(toolName, target string) error {
	if commandExists(toolName) {
		return nil
	}

	fmt.Printf("%sInstalling %s...%s\n", colorYellow, toolName, colorReset)
	cmd := exec.Command("go", "install", target)
	cmd.Env = append(os.Environ(), "GOTOOLCHAIN=auto")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// addGoPathToPath adds GOPATH/bin to PATH if not already present.
func addGoPathToPath() {
	gopath := getGoPath()
	if gopath == "" {
		return
	}
	gopathBin := filepath.Join(gopath, "bin")
	path := os.Getenv("PATH")
	if !strings.Contains(path, gopathBin) {
		if err := os.Setenv("PATH", gopathBin+string(os.PathListSeparator)+path); err != nil {
			fmt.Printf("Warning: Failed to add %s to PATH: %v\n", gopathBin, err)
		}
	}
}

// findRootDir walks up from the working directory to the mailgate go.mod.
func findRootDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
		if err == nil && strings.Contains(string(data), "module github.com/vdavid/mailgate\n") {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (looking for the mailgate go.mod)")
		}
		dir = parent
	}
}

// indentOutput indents each non-empty line of output with the given indent string.
func indentOutput(output, indent string) string {
	var result strings.Builder
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			result.WriteString(indent)
			result.WriteString(line)
			result.WriteString("\n")
		}
	}
	return result.String()
}

func printError(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}
