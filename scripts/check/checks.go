package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// toolCheck runs one command in the module root and fails on a non-zero exit.
type toolCheck struct {
	name    string
	tool    string // binary looked up in PATH and GOPATH/bin
	install string // go install target, empty for tools that ship with Go
	args    func(ctx *CheckContext) []string
	// optional tools are skipped with a warning when missing
	optional bool
}

func (c *toolCheck) Name() string {
	return c.name
}

func (c *toolCheck) Run(ctx *CheckContext) error {
	addGoPathToPath()
	if c.install != "" {
		if c.optional && !commandExists(c.tool) {
			fmt.Printf("%sSKIP%s (%s not found) ", colorYellow, colorReset, c.tool)
			return nil
		}
		if err := ensureToolInstalled(c.tool, c.install); err != nil {
			return fmt.Errorf("failed to install %s: %w", c.tool, err)
		}
	}

	cmd := exec.Command(c.tool, c.args(ctx)...)
	cmd.Dir = ctx.RootDir
	cmd.Env = append(os.Environ(), "GOTOOLCHAIN=auto")
	output, err := runCommand(cmd, true)
	if err != nil {
		fmt.Println()
		fmt.Print(indentOutput(output, "      "))
		return fmt.Errorf("%s failed", c.name)
	}
	return nil
}

func fixed(args ...string) func(*CheckContext) []string {
	return func(*CheckContext) []string { return args }
}

// GofmtCheck lists unformatted files and rewrites them outside CI.
type GofmtCheck struct{}

func (c *GofmtCheck) Name() string {
	return "gofmt"
}

func (c *GofmtCheck) Run(ctx *CheckContext) error {
	unformatted, err := listUnformatted(ctx.RootDir)
	if err != nil {
		return err
	}
	if len(unformatted) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println("    Files not formatted:")
	for _, file := range unformatted {
		fmt.Printf("      %s\n", file)
	}
	if ctx.CI {
		return fmt.Errorf("files need formatting")
	}

	cmd := exec.Command("gofmt", "-s", "-w", ".")
	cmd.Dir = ctx.RootDir
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to run gofmt -w: %w", err)
	}
	if remaining, _ := listUnformatted(ctx.RootDir); len(remaining) > 0 {
		return fmt.Errorf("%d files still need formatting after gofmt -w", len(remaining))
	}
	return nil
}

func listUnformatted(dir string) ([]string, error) {
	cmd := exec.Command("gofmt", "-s", "-l", ".")
	cmd.Dir = dir
	output, err := runCommand(cmd, true)
	if err != nil && strings.TrimSpace(output) == "" {
		return nil, fmt.Errorf("gofmt failed: %w", err)
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		// The read-only example pack is not part of the module.
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "_") {
			files = append(files, line)
		}
	}
	return files, nil
}

func testArgs(ctx *CheckContext) []string {
	args := []string{"test", "-race", "-count=1"}
	if ctx.Short {
		args = append(args, "-short")
	}
	return append(args, "./...")
}

func getAllChecks() []Check {
	return []Check{
		&GofmtCheck{},
		&toolCheck{name: "go-mod-tidy", tool: "go", args: fixed("mod", "tidy", "-diff")},
		&toolCheck{name: "go-vet", tool: "go", args: fixed("vet", "./...")},
		&toolCheck{name: "staticcheck", tool: "staticcheck", install: "honnef.co/go/tools/cmd/staticcheck@latest", args: fixed("./...")},
		&toolCheck{name: "govulncheck", tool: "govulncheck", install: "golang.org/x/vuln/cmd/govulncheck@latest", args: fixed("./...")},
		&toolCheck{name: "ineffassign", tool: "ineffassign", install: "github.com/gordonklaus/ineffassign@latest", args: fixed("./...")},
		&toolCheck{name: "misspell", tool: "misspell", install: "github.com/client9/misspell/cmd/misspell@latest", args: fixed("-error", "cmd", "internal", "scripts"), optional: true},
		&toolCheck{name: "tests", tool: "go", args: testArgs},
	}
}

// getCheckByName returns a check by its CLI name, case-insensitively.
func getCheckByName(name string) Check {
	for _, check := range getAllChecks() {
		if strings.EqualFold(check.Name(), name) {
			return check
		}
	}
	return nil
}
