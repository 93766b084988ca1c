package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// staticStartCommand serves the current directory on the dev port. It is the
// fallback for static sites, script-less node projects and unknown layouts.
const staticStartCommand = "npx serve -l 3000 ."

var nextConfigFiles = []string{"next.config.js", "next.config.mjs", "next.config.ts", "next.config.cjs"}
var viteConfigFiles = []string{"vite.config.js", "vite.config.mjs", "vite.config.ts", "vite.config.cts", "vite.config.mts"}

// monorepoDirs are the conventional locations a runnable app hides in when
// the repository root is not itself an app.
var monorepoDirs = []string{"client", "frontend", "web", "app"}

// manifest is the subset of package.json the detector reads.
type manifest struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Workspaces      json.RawMessage   `json:"workspaces"`
}

func (m *manifest) dependency(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	if v, ok := m.Dependencies[name]; ok {
		return v, true
	}
	if v, ok := m.DevDependencies[name]; ok {
		return v, true
	}
	return "", false
}

func (m *manifest) script(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.Scripts[name]
	return v, ok
}

func (m *manifest) hasWorkspaces() bool {
	if m == nil || len(m.Workspaces) == 0 {
		return false
	}
	return string(m.Workspaces) != "null"
}

// Detect inspects a project directory and returns how to install and run it.
// The cascade never fails on content; only an unreadable directory is an
// error.
func Detect(dir string) (*Info, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("failed to read project directory: %w", err)
	}

	m, hasManifest := readManifest(dir)
	pm := detectPackageManager(dir)

	// Framework detection at the root wins outright.
	if info := detectFramework(dir, m, pm, dir); info != nil {
		return info, nil
	}

	// Static site: an index.html with no framework dependency.
	if fileExists(filepath.Join(dir, "index.html")) && !hasFrameworkDependency(m) {
		return &Info{
			Type:          TypeStatic,
			Description:   "Static HTML site",
			StartCommand:  staticStartCommand,
			DevServerPort: DefaultDevPort,
		}, nil
	}

	// Monorepo: the app may live in a conventional subdirectory.
	if info := detectMonorepo(dir, m); info != nil {
		return info, nil
	}

	if hasManifest {
		return nodeInfo(m, pm, dir), nil
	}

	if hasPythonMarkers(dir) {
		return &Info{
			Type:          TypePython,
			Description:   "Python project",
			StartCommand:  "python3 -m http.server 3000",
			DevServerPort: DefaultDevPort,
		}, nil
	}

	return &Info{
		Type:          TypeUnknown,
		Description:   "Unrecognized project served as static files",
		StartCommand:  staticStartCommand,
		DevServerPort: DefaultDevPort,
	}, nil
}

// detectFramework applies the next/vite/expo steps of the cascade. lockDirs
// are searched in order for a committed lockfile when building the install
// command. Returns nil when the directory is not a framework app.
func detectFramework(dir string, m *manifest, pm string, lockDirs ...string) *Info {
	var info *Info
	switch {
	case isNext(dir, m):
		info = nextInfo(m, pm)
	case isVite(dir, m):
		info = viteInfo(m, pm)
	case isExpo(m):
		info = expoInfo(pm)
	default:
		return nil
	}

	info.InstallCommand = installCommand(pm, lockDirs...)
	if info.Type == TypeExpo && pm == PackageManagerNpm {
		info.InstallCommand += " --legacy-peer-deps"
	}
	return info
}

func isNext(dir string, m *manifest) bool {
	for _, f := range nextConfigFiles {
		if fileExists(filepath.Join(dir, f)) {
			return true
		}
	}
	_, ok := m.dependency("next")
	return ok
}

func isVite(dir string, m *manifest) bool {
	for _, f := range viteConfigFiles {
		if fileExists(filepath.Join(dir, f)) {
			return true
		}
	}
	_, ok := m.dependency("vite")
	return ok
}

func isExpo(m *manifest) bool {
	if _, ok := m.dependency("expo"); ok {
		return true
	}
	_, ok := m.dependency("react-native-web")
	return ok
}

func hasFrameworkDependency(m *manifest) bool {
	for _, dep := range []string{"next", "vite", "expo", "react-native-web"} {
		if _, ok := m.dependency(dep); ok {
			return true
		}
	}
	return false
}

func nextInfo(m *manifest, pm string) *Info {
	major := nextMajor(m)

	script, hasScript := m.script("dev")
	var args []string
	if major >= 15 && !strings.Contains(script, "--turbo") {
		args = append(args, "--turbopack")
	}
	if !strings.Contains(script, "--port") {
		args = append(args, "--port 3000")
	}

	var start string
	if hasScript {
		start = appendScriptArgs(runScriptCommand(pm, "dev"), pm, args)
	} else {
		start = joinArgs(execBinaryCommand(pm, "next dev"), args)
	}

	desc := "Next.js application"
	if major > 0 {
		desc = fmt.Sprintf("Next.js %d application", major)
	}

	return &Info{
		Type:           TypeNextJS,
		Description:    desc,
		StartCommand:   start,
		DevServerPort:  DefaultDevPort,
		PackageManager: pm,
	}
}

func viteInfo(m *manifest, pm string) *Info {
	script, hasScript := m.script("dev")
	var args []string
	if !strings.Contains(script, "--host") {
		args = append(args, "--host 0.0.0.0")
	}
	if !strings.Contains(script, "--port") {
		args = append(args, "--port 3000")
	}

	var start string
	if hasScript {
		start = appendScriptArgs(runScriptCommand(pm, "dev"), pm, args)
	} else {
		start = joinArgs(execBinaryCommand(pm, "vite"), args)
	}

	return &Info{
		Type:           TypeVite,
		Description:    "Vite application",
		StartCommand:   start,
		DevServerPort:  DefaultDevPort,
		PackageManager: pm,
	}
}

// expoInfo always invokes the expo binary directly: forwarding a forced
// --port through arbitrary user scripts is not reliable.
func expoInfo(pm string) *Info {
	return &Info{
		Type:           TypeExpo,
		Description:    "Expo web application",
		StartCommand:   execBinaryCommand(pm, "expo start --web") + " --port 3000",
		DevServerPort:  DefaultDevPort,
		PackageManager: pm,
	}
}

func nodeInfo(m *manifest, pm string, dir string) *Info {
	info := &Info{
		Type:           TypeNodeJS,
		Description:    "Node.js application",
		InstallCommand: installCommand(pm, dir),
		StartCommand:   staticStartCommand,
		DevServerPort:  DefaultDevPort,
		PackageManager: pm,
	}

	if _, ok := m.script("dev"); ok {
		info.StartCommand = runScriptCommand(pm, "dev")
	} else if _, ok := m.script("start"); ok {
		info.StartCommand = runScriptCommand(pm, "start")
	}
	return info
}

// detectMonorepo re-applies framework detection one level down. The install
// command stays at the root when the root declares workspaces; the start
// command always runs inside the subdirectory.
func detectMonorepo(dir string, rootManifest *manifest) *Info {
	workspaceRoot := rootManifest.hasWorkspaces() || fileExists(filepath.Join(dir, "pnpm-workspace.yaml"))

	for _, rel := range monorepoCandidates(dir) {
		sub := filepath.Join(dir, rel)
		m, hasManifest := readManifest(sub)
		if !hasManifest {
			continue
		}

		pm := detectPackageManager(sub, dir)
		info := detectFramework(sub, m, pm, sub, dir)
		if info == nil {
			continue
		}

		info.Subdirectory = rel
		info.Description += fmt.Sprintf(" (in %s)", rel)
		info.StartCommand = "cd " + rel + " && " + info.StartCommand
		if !workspaceRoot && info.InstallCommand != "" {
			info.InstallCommand = "cd " + rel + " && " + info.InstallCommand
		}
		return info
	}
	return nil
}

func monorepoCandidates(dir string) []string {
	var out []string
	for _, name := range monorepoDirs {
		if dirExists(filepath.Join(dir, name)) {
			out = append(out, name)
		}
	}
	for _, parent := range []string{"apps", "packages"} {
		entries, err := os.ReadDir(filepath.Join(dir, parent))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				out = append(out, filepath.Join(parent, e.Name()))
			}
		}
	}
	return out
}

// detectPackageManager picks the manager by lockfile, checking each dir in
// order. Monorepo subdirectories pass (subdir, root) so a root lockfile
// still decides.
func detectPackageManager(dirs ...string) string {
	for _, d := range dirs {
		if fileExists(filepath.Join(d, "pnpm-lock.yaml")) {
			return PackageManagerPnpm
		}
	}
	for _, d := range dirs {
		if fileExists(filepath.Join(d, "yarn.lock")) {
			return PackageManagerYarn
		}
	}
	return PackageManagerNpm
}

// installCommand builds the install invocation. pnpm installs against the
// committed lockfile when one exists; the installer strips the flag and
// retries if the lockfile turns out to be incompatible.
func installCommand(pm string, lockDirs ...string) string {
	switch pm {
	case PackageManagerPnpm:
		for _, d := range lockDirs {
			if fileExists(filepath.Join(d, "pnpm-lock.yaml")) {
				return "pnpm install --frozen-lockfile"
			}
		}
		return "pnpm install"
	case PackageManagerYarn:
		return "yarn install"
	default:
		return "npm install"
	}
}

// runScriptCommand runs a package.json script through the package manager.
func runScriptCommand(pm, script string) string {
	switch pm {
	case PackageManagerPnpm:
		return "pnpm " + script
	case PackageManagerYarn:
		return "yarn " + script
	default:
		return "npm run " + script
	}
}

// execBinaryCommand runs a dependency-provided binary directly.
func execBinaryCommand(pm, rest string) string {
	switch pm {
	case PackageManagerPnpm:
		return "pnpm exec " + rest
	case PackageManagerYarn:
		return "yarn " + rest
	default:
		return "npx " + rest
	}
}

// appendScriptArgs appends extra arguments to a script invocation. npm needs
// the -- separator to forward them; pnpm and yarn pass them through.
func appendScriptArgs(cmd, pm string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	if pm == PackageManagerNpm {
		return cmd + " -- " + strings.Join(args, " ")
	}
	return cmd + " " + strings.Join(args, " ")
}

func joinArgs(cmd string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	return cmd + " " + strings.Join(args, " ")
}

// nextMajor extracts the major version from the declared next range.
// Unparseable ranges ("latest", "canary", "workspace:*") report 0.
func nextMajor(m *manifest) int {
	rang, ok := m.dependency("next")
	if !ok {
		return 0
	}
	v := strings.TrimSpace(rang)
	v = strings.TrimLeft(v, "^~>=v ")
	if i := strings.IndexAny(v, ".x- "); i > 0 {
		v = v[:i]
	}
	major, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return major
}

func readManifest(dir string) (*manifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// A present but unparseable manifest still marks a node project.
		return nil, true
	}
	return &m, true
}

func hasPythonMarkers(dir string) bool {
	for _, f := range []string{"requirements.txt", "pyproject.toml", "setup.py", "Pipfile"} {
		if fileExists(filepath.Join(dir, f)) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
