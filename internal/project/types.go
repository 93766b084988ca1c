package project

// Type identifies the framework a project is built with.
type Type string

const (
	TypeNextJS  Type = "nextjs"
	TypeVite    Type = "vite"
	TypeExpo    Type = "expo"
	TypeStatic  Type = "static"
	TypeNodeJS  Type = "nodejs"
	TypePython  Type = "python"
	TypeUnknown Type = "unknown"
)

// Package managers recognized by the detector, in lockfile priority order.
const (
	PackageManagerPnpm = "pnpm"
	PackageManagerYarn = "yarn"
	PackageManagerNpm  = "npm"
)

// DefaultDevPort is the port every start command is normalized to so the
// container port mapping stays stable across frameworks.
const DefaultDevPort = 3000

// Info describes how to install and run a project. It is produced by Detect
// and cached on the session record.
type Info struct {
	Type           Type   `json:"type"`
	Description    string `json:"humanDescription"`
	InstallCommand string `json:"installCommand,omitempty"`
	StartCommand   string `json:"startCommand"`
	DevServerPort  int    `json:"devServerPort"`
	PackageManager string `json:"packageManager,omitempty"`
	Subdirectory   string `json:"subdirectory,omitempty"`
}

// NeedsInstall reports whether the project has dependencies to install.
func (i *Info) NeedsInstall() bool {
	return i != nil && i.InstallCommand != ""
}
