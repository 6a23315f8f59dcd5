package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/splax/bothost/internal/domain"
)

const (
	// RunConfigFile lets an archive override detected commands.
	RunConfigFile = "bothost.yaml"

	maxListedFiles   = 500
	maxManifestBytes = 64 << 10
)

// Runtimes recognised by Inspect.
const (
	RuntimeNode   = "node"
	RuntimePython = "python"
)

// ErrNoEntrypoint is returned when no start command can be determined.
var ErrNoEntrypoint = errors.New("archive: no entrypoint found")

var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"__MACOSX":     true,
}

// InstallCommands are the commands used when a manifest declares
// dependencies.
type InstallCommands struct {
	Node   string
	Python string
}

// Plan is everything the orchestrator needs to install and launch an
// unpacked application.
type Plan struct {
	Root    string
	Details domain.Details
	Env     map[string]string
}

// RunConfig is the optional bothost.yaml document.
type RunConfig struct {
	Runtime string            `yaml:"runtime"`
	Install string            `yaml:"install"`
	Start   string            `yaml:"start"`
	Env     map[string]string `yaml:"env"`
}

type packageJSON struct {
	Name            string            `json:"name"`
	Main            string            `json:"main"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Inspect examines an unpacked application rooted at root.
func Inspect(root string, install InstallCommands) (Plan, error) {
	plan := Plan{Root: root, Env: map[string]string{}}

	files, err := listFiles(root)
	if err != nil {
		return plan, err
	}
	plan.Details.Files = files

	switch {
	case exists(root, "package.json"):
		if err := inspectNode(root, install.Node, &plan.Details); err != nil {
			return plan, err
		}
	case exists(root, "requirements.txt") || pythonEntrypoint(root) != "":
		if err := inspectPython(root, install.Python, &plan.Details); err != nil {
			return plan, err
		}
	}

	if exists(root, ".env") {
		env, err := godotenv.Read(filepath.Join(root, ".env"))
		if err != nil {
			return plan, fmt.Errorf("parse .env: %w", err)
		}
		for k, v := range env {
			plan.Env[k] = v
		}
	}

	if exists(root, RunConfigFile) {
		cfg, err := readRunConfig(filepath.Join(root, RunConfigFile))
		if err != nil {
			return plan, err
		}
		applyRunConfig(cfg, &plan)
	}

	if strings.TrimSpace(plan.Details.StartCommand) == "" {
		return plan, ErrNoEntrypoint
	}
	return plan, nil
}

func inspectNode(root, installCmd string, details *domain.Details) error {
	raw, err := readManifest(filepath.Join(root, "package.json"))
	if err != nil {
		return err
	}
	details.Runtime = RuntimeNode
	details.ManifestName = "package.json"
	details.Manifest = raw

	var pkg packageJSON
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		return fmt.Errorf("parse package.json: %w", err)
	}
	if len(pkg.Dependencies) > 0 {
		details.Dependencies = pkg.Dependencies
		details.InstallCommand = installCmd
	}

	switch {
	case strings.TrimSpace(pkg.Scripts["start"]) != "":
		details.StartCommand = "npm start"
	case pkg.Main != "" && exists(root, pkg.Main):
		details.StartCommand = "node " + shellQuote(pkg.Main)
	case exists(root, "index.js"):
		details.StartCommand = "node index.js"
	}
	return nil
}

func inspectPython(root, installCmd string, details *domain.Details) error {
	details.Runtime = RuntimePython
	if exists(root, "requirements.txt") {
		raw, err := readManifest(filepath.Join(root, "requirements.txt"))
		if err != nil {
			return err
		}
		details.ManifestName = "requirements.txt"
		details.Manifest = raw
		if deps := parseRequirements(raw); len(deps) > 0 {
			details.Dependencies = deps
			details.InstallCommand = installCmd
		}
	}
	if entry := pythonEntrypoint(root); entry != "" {
		details.StartCommand = "python3 -u " + entry
	}
	return nil
}

func pythonEntrypoint(root string) string {
	for _, candidate := range []string{"main.py", "bot.py", "app.py"} {
		if exists(root, candidate) {
			return candidate
		}
	}
	return ""
}

func parseRequirements(raw string) map[string]string {
	deps := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		name, version := line, "*"
		if i := strings.IndexAny(line, "=<>~!;["); i > 0 {
			name = strings.TrimSpace(line[:i])
			version = strings.TrimSpace(line[i:])
		}
		deps[name] = version
	}
	return deps
}

func readRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read %s: %w", RunConfigFile, err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse %s: %w", RunConfigFile, err)
	}
	return cfg, nil
}

func applyRunConfig(cfg RunConfig, plan *Plan) {
	if cfg.Runtime != "" {
		plan.Details.Runtime = cfg.Runtime
	}
	if cfg.Install != "" {
		plan.Details.InstallCommand = cfg.Install
	}
	if cfg.Start != "" {
		plan.Details.StartCommand = cfg.Start
	}
	for k, v := range cfg.Env {
		plan.Env[k] = v
	}
}

func readManifest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	if len(data) > maxManifestBytes {
		data = data[:maxManifestBytes]
	}
	return string(data), nil
}

func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxListedFiles {
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func exists(root, name string) bool {
	info, err := os.Stat(filepath.Join(root, name))
	return err == nil && info.Mode().IsRegular()
}

func shellQuote(s string) string {
	if !strings.ContainsAny(s, " \t'\"$`\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
