package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	var (
		checkName = flag.String("check", "", "Run a single check by name")
		ciMode    = flag.Bool("ci", false, "Disable auto-fixing (for CI)")
		short     = flag.Bool("short", false, "Skip tests that need Docker")
		verbose   = flag.Bool("verbose", false, "Show detailed output")
		help      = flag.Bool("help", false, "Show help message")
		h         = flag.Bool("h", false, "Show help message")
	)
	flag.Parse()

	if *help || *h {
		showUsage()
		os.Exit(0)
	}

	rootDir, err := findRootDir()
	if err != nil {
		printError("Error: %v", err)
		os.Exit(1)
	}

	ctx := &CheckContext{
		CI:      *ciMode,
		Verbose: *verbose,
		Short:   *short,
		RootDir: rootDir,
	}

	checks := getAllChecks()
	if *checkName != "" {
		check := getCheckByName(*checkName)
		if check == nil {
			printError("Error: Unknown check name: %s", *checkName)
			_, _ = fmt.Fprintln(os.Stderr, "Run with --help to see available checks")
			os.Exit(1)
		}
		checks = []Check{check}
	} else {
		fmt.Println("🔍 Running all checks...")
		fmt.Println()
	}

	startTime := time.Now()
	failedChecks := runChecks(checks, ctx)
	totalDuration := time.Since(startTime)

	fmt.Println()
	if len(failedChecks) > 0 {
		fmt.Printf("%s❌ Some checks failed. Please fix the issues above.%s\n", colorRed, colorReset)
		fmt.Printf("%s⏱️  Total runtime: %s%s\n", colorYellow, formatDuration(totalDuration), colorReset)
		fmt.Println()
		fmt.Println("To rerun a specific check:")
		for _, name := range failedChecks {
			fmt.Printf("  go run ./scripts/check --check %s\n", name)
		}
		os.Exit(1)
	}
	fmt.Printf("%s✅ All checks passed!%s\n", colorGreen, colorReset)
	fmt.Printf("%s⏱️  Total runtime: %s%s\n", colorYellow, formatDuration(totalDuration), colorReset)
}

func showUsage() {
	fmt.Println("Usage: go run ./scripts/check [OPTIONS]")
	fmt.Println()
	fmt.Println("Run code quality checks for mailgate.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("    --check NAME    Run a single check by name")
	fmt.Println("    --ci            Disable auto-fixing (for CI)")
	fmt.Println("    --short         Skip tests that need Docker")
	fmt.Println("    --verbose       Show detailed output")
	fmt.Println("    -h, --help      Show this help message")
	fmt.Println()
	fmt.Println("Available check names:")
	for _, check := range getAllChecks() {
		fmt.Printf("  %s\n", check.Name())
	}
}
