// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
Build and test driver for the coworker control plane.

Usage:
    go run build.go                    # Full validation pipeline
    go run build.go test               # Run tests only
    go run build.go build              # Build binaries only
    go run build.go clean              # Remove build artifacts
    go run build.go fmt                # Format Go code
    go run build.go lint               # go vet (plus golangci-lint if installed)
    go run build.go coverage           # Tests with coverage report
    go run build.go deps               # Download and verify dependencies
    go run build.go build-all          # Cross-compile for all platforms
    go run build.go --platform linux/arm64 build
*/

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

var binaries = []string{"coworkerd", "coworkerctl"}

var crossTargets = [][2]string{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "amd64"},
	{"darwin", "arm64"},
	{"windows", "amd64"},
}

const buildDir = "build"

func step(msg string)   { fmt.Printf("\033[96m→\033[0m %s\n", msg) }
func ok(msg string)     { fmt.Printf("\033[92m✓\033[0m %s\n", msg) }
func fail(msg string)   { fmt.Printf("\033[91m✗\033[0m %s\n", msg) }
func notice(msg string) { fmt.Printf("\033[93m⚠\033[0m %s\n", msg) }

// run executes a command in the module root, streaming combined output
// to the terminal only on failure (or always, when loud is set).
func run(loud bool, name string, args ...string) (string, bool) {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		fail(fmt.Sprintf("%s %s", name, strings.Join(args, " ")))
		if len(out) > 0 {
			fmt.Print(string(out))
		}
		return string(out), false
	}
	if loud && len(out) > 0 {
		fmt.Print(string(out))
	}
	return string(out), true
}

// quiet runs a command and reports only success, never printing output.
func quiet(name string, args ...string) (string, bool) {
	out, err := exec.Command(name, args...).Output()
	return string(out), err == nil
}

func checkToolchain() bool {
	step("Checking toolchain")
	out, found := quiet("go", "version")
	if !found {
		fail("Go is not installed or not in PATH")
		return false
	}
	if _, err := os.Stat("go.mod"); err != nil {
		fail("go.mod not found; run from the module root")
		return false
	}
	ok(strings.TrimSpace(out))
	return true
}

func clean() bool {
	step("Cleaning build artifacts")
	_ = os.RemoveAll(buildDir)
	removals := []string{"coverage.out", "coverage.html"}
	for _, bin := range binaries {
		removals = append(removals, bin, bin+".exe")
	}
	for _, glob := range []string{"*.test", "*.db", "*.sqlite", "*.sqlite3"} {
		matches, _ := filepath.Glob(glob)
		removals = append(removals, matches...)
	}
	for _, path := range removals {
		if err := os.Remove(path); err == nil {
			ok("Removed " + path)
		}
	}
	return true
}

func deps() bool {
	step("Downloading dependencies")
	if _, good := run(false, "go", "mod", "download"); !good {
		return false
	}
	if _, good := run(false, "go", "mod", "verify"); !good {
		return false
	}
	ok("Dependencies downloaded and verified")
	return true
}

func format() bool {
	step("Formatting")
	if _, good := run(false, "go", "fmt", "./..."); !good {
		return false
	}
	ok("Code formatted")
	return true
}

func lint() bool {
	step("Linting")
	// golangci-lint is advisory when present; go vet is the gate.
	if _, found := quiet("golangci-lint", "--version"); found {
		if _, good := run(true, "golangci-lint", "run"); !good {
			notice("golangci-lint found issues (not failing build)")
		}
	}
	if _, good := run(false, "go", "vet", "./..."); !good {
		return false
	}
	ok("go vet passed")
	return true
}

func runTests(withCoverage bool) bool {
	step("Running tests")
	args := []string{"test", "-v"}
	if withCoverage {
		args = append(args, "-coverprofile=coverage.out")
	}
	args = append(args, "./...")
	if _, good := run(false, "go", args...); !good {
		return false
	}
	ok("All tests passed")

	if withCoverage {
		if out, good := quiet("go", "tool", "cover", "-func=coverage.out"); good {
			for _, line := range strings.Split(out, "\n") {
				if strings.Contains(line, "total:") {
					fields := strings.Fields(line)
					ok("Total coverage: " + fields[len(fields)-1])
				}
			}
		}
		if _, good := quiet("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html"); good {
			ok("Coverage report: coverage.html")
		}
	}
	return true
}

// buildTarget compiles one binary, cross-compiling when goos/goarch are
// non-empty. Cross builds get a platform-suffixed name and CGO off.
func buildTarget(bin, goos, goarch string) bool {
	name := bin
	if goos != "" {
		name = fmt.Sprintf("%s-%s-%s", bin, goos, goarch)
	}
	if goos == "windows" || (goos == "" && runtime.GOOS == "windows") {
		name += ".exe"
	}
	outPath := filepath.Join(buildDir, name)

	cmd := exec.Command("go", "build", "-ldflags", "-s -w", "-o", outPath, "./cmd/"+bin)
	if goos != "" {
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS="+goos, "GOARCH="+goarch)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		fail("build " + name)
		fmt.Print(string(out))
		return false
	}

	info, err := os.Stat(outPath)
	if err != nil {
		fail(name + " was not produced")
		return false
	}
	ok(fmt.Sprintf("Built %s (%.1f MB)", outPath, float64(info.Size())/(1<<20)))
	return true
}

func buildBinaries(goos, goarch string) bool {
	if goos == "" {
		step("Building binaries")
	} else {
		step(fmt.Sprintf("Building for %s/%s", goos, goarch))
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		fail("create " + buildDir + ": " + err.Error())
		return false
	}
	for _, bin := range binaries {
		if !buildTarget(bin, goos, goarch) {
			return false
		}
	}
	return true
}

func buildAll() bool {
	good := true
	for _, target := range crossTargets {
		if !buildBinaries(target[0], target[1]) {
			good = false
		}
	}
	return good
}

// writeBuildInfo records toolchain and git state next to the binaries.
func writeBuildInfo() {
	info := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"platform":  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if out, good := quiet("go", "version"); good {
		info["go_version"] = strings.TrimSpace(out)
	}
	if out, good := quiet("git", "rev-parse", "--short=8", "HEAD"); good {
		info["git_commit"] = strings.TrimSpace(out)
	}
	if out, good := quiet("git", "branch", "--show-current"); good {
		info["git_branch"] = strings.TrimSpace(out)
	}
	if out, good := quiet("git", "status", "--porcelain"); good {
		info["git_dirty"] = strings.TrimSpace(out) != ""
	}
	if data, err := json.MarshalIndent(info, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Join(buildDir, "build-info.json"), data, 0o644); err != nil {
			notice("write build-info.json: " + err.Error())
		}
	}
}

func validate() bool {
	pipeline := []func() bool{
		checkToolchain,
		deps,
		format,
		lint,
		func() bool { return runTests(true) },
		func() bool { return buildBinaries("", "") },
	}
	for _, stage := range pipeline {
		if !stage() {
			return false
		}
	}
	writeBuildInfo()
	ok("Build info written")
	return true
}

func main() {
	var platform string
	flag.StringVar(&platform, "platform", "", "Cross-compile target as os/arch (e.g. linux/arm64)")
	flag.Parse()

	command := "validate"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	started := time.Now()
	var good bool

	switch command {
	case "clean":
		good = clean()
	case "deps":
		good = checkToolchain() && deps()
	case "fmt":
		good = checkToolchain() && format()
	case "lint":
		good = checkToolchain() && lint()
	case "test":
		good = checkToolchain() && deps() && runTests(false)
	case "coverage":
		good = checkToolchain() && deps() && runTests(true)
	case "build":
		goos, goarch := "", ""
		if platform != "" {
			var found bool
			goos, goarch, found = strings.Cut(platform, "/")
			if !found || goos == "" || goarch == "" {
				fmt.Fprintln(os.Stderr, "--platform must be os/arch, e.g. linux/arm64")
				os.Exit(2)
			}
		}
		good = checkToolchain() && deps() && buildBinaries(goos, goarch)
	case "build-all":
		good = checkToolchain() && deps() && buildAll()
	case "validate":
		good = validate()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", command)
		fmt.Fprintln(os.Stderr, "Commands: build, test, clean, fmt, lint, coverage, deps, validate, build-all")
		os.Exit(2)
	}

	status := "SUCCESS"
	if !good {
		status = "FAILED"
	}
	fmt.Printf("\n%s in %.1fs\n", status, time.Since(started).Seconds())
	if !good {
		os.Exit(1)
	}
}
