package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestDetectMissingDirectory(t *testing.T) {
	_, err := Detect(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestDetectNext15Turbopack(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":   `{"scripts":{"dev":"next dev"},"dependencies":{"next":"^15.0.3","react":"^19.0.0"}}`,
		"next.config.ts": `export default {}`,
		"pnpm-lock.yaml": "lockfileVersion: '9.0'",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeNextJS, info.Type)
	assert.Equal(t, PackageManagerPnpm, info.PackageManager)
	assert.Equal(t, "pnpm install --frozen-lockfile", info.InstallCommand)
	assert.Equal(t, "pnpm dev --turbopack --port 3000", info.StartCommand)
	assert.Equal(t, 3000, info.DevServerPort)
}

func TestDetectNext14NoTurbopack(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"dev":"next dev"},"dependencies":{"next":"~14.2.1"}}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeNextJS, info.Type)
	assert.NotContains(t, info.StartCommand, "--turbopack")
	assert.Contains(t, info.StartCommand, "--port 3000")
}

func TestDetectNextKeepsExistingPortFlag(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"dev":"next dev --port 3000"},"dependencies":{"next":"^15.1.0"}}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, "npm run dev -- --turbopack", info.StartCommand)
}

func TestDetectNextConfigFileWithoutDependency(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"next.config.js": `module.exports = {}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeNextJS, info.Type)
	// No manifest, no dev script: run the binary directly.
	assert.Equal(t, "npx next dev --port 3000", info.StartCommand)
}

func TestDetectVite(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":   `{"scripts":{"dev":"vite"},"devDependencies":{"vite":"^5.4.0"}}`,
		"vite.config.ts": `export default {}`,
		"yarn.lock":      "",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeVite, info.Type)
	assert.Equal(t, PackageManagerYarn, info.PackageManager)
	assert.Equal(t, "yarn dev --host 0.0.0.0 --port 3000", info.StartCommand)
}

func TestDetectExpoNpmLegacyPeerDeps(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"start":"expo start"},"dependencies":{"expo":"~51.0.0","react-native-web":"^0.19.0"}}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeExpo, info.Type)
	assert.Equal(t, "npm install --legacy-peer-deps", info.InstallCommand)
	assert.Equal(t, "npx expo start --web --port 3000", info.StartCommand)
}

func TestDetectExpoPnpmNoLegacyPeerDeps(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":   `{"dependencies":{"expo":"~51.0.0"}}`,
		"pnpm-lock.yaml": "lockfileVersion: '9.0'",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeExpo, info.Type)
	assert.NotContains(t, info.InstallCommand, "--legacy-peer-deps")
}

func TestDetectStaticHTML(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"index.html": `<!doctype html><title>hi</title>`,
		"style.css":  "body{}",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeStatic, info.Type)
	assert.Equal(t, staticStartCommand, info.StartCommand)
	assert.Empty(t, info.InstallCommand)
}

func TestDetectStaticBeatsPlainNodeManifest(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"index.html":   `<!doctype html>`,
		"package.json": `{"dependencies":{"lodash":"^4.17.0"}}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeStatic, info.Type)
}

func TestDetectMonorepoWorkspacesInstallAtRoot(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":          `{"workspaces":["apps/*"]}`,
		"pnpm-workspace.yaml":   "packages:\n  - 'apps/*'\n",
		"pnpm-lock.yaml":        "lockfileVersion: '9.0'",
		"apps/web/package.json": `{"scripts":{"dev":"next dev"},"dependencies":{"next":"^15.0.0"}}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeNextJS, info.Type)
	assert.Equal(t, filepath.Join("apps", "web"), info.Subdirectory)
	assert.Equal(t, "cd apps/web && pnpm dev --turbopack --port 3000", info.StartCommand)
	assert.Equal(t, "pnpm install --frozen-lockfile", info.InstallCommand)
}

func TestDetectMonorepoWithoutWorkspaces(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"client/package.json": `{"scripts":{"dev":"vite"},"devDependencies":{"vite":"^5.0.0"}}`,
		"client/yarn.lock":    "",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeVite, info.Type)
	assert.Equal(t, "client", info.Subdirectory)
	assert.Equal(t, "cd client && yarn install", info.InstallCommand)
	assert.Equal(t, "cd client && yarn dev --host 0.0.0.0 --port 3000", info.StartCommand)
}

func TestDetectNodeDevScript(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"dev":"node server.js"},"dependencies":{"express":"^4.18.0"}}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeNodeJS, info.Type)
	assert.Equal(t, "npm run dev", info.StartCommand)
	assert.Equal(t, "npm install", info.InstallCommand)
}

func TestDetectNodeStartScriptFallback(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"start":"node index.js"}}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeNodeJS, info.Type)
	assert.Equal(t, "npm run start", info.StartCommand)
}

func TestDetectNodeNoScripts(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"name":"bare"}`,
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeNodeJS, info.Type)
	assert.Equal(t, staticStartCommand, info.StartCommand)
}

func TestDetectPython(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"requirements.txt": "flask==3.0.0",
		"app.py":           "print('hi')",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypePython, info.Type)
	assert.Equal(t, "python3 -m http.server 3000", info.StartCommand)
}

func TestDetectUnknown(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"README.md": "# nothing to run",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, info.Type)
	assert.Equal(t, staticStartCommand, info.StartCommand)
}

func TestDetectPackageManagerPrecedence(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json":      `{"dependencies":{"next":"^15.0.0"}}`,
		"pnpm-lock.yaml":    "lockfileVersion: '9.0'",
		"yarn.lock":         "",
		"package-lock.json": "{}",
	})

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, PackageManagerPnpm, info.PackageManager)
}

func TestNextMajor(t *testing.T) {
	tests := []struct {
		rang string
		want int
	}{
		{"^15.0.3", 15},
		{"~14.2.1", 14},
		{"15.x", 15},
		{">=15", 15},
		{"15", 15},
		{"latest", 0},
		{"canary", 0},
		{"workspace:*", 0},
	}

	for _, tt := range tests {
		m := &manifest{Dependencies: map[string]string{"next": tt.rang}}
		assert.Equal(t, tt.want, nextMajor(m), "range %q", tt.rang)
	}
}
