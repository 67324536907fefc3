package build

// commit is set by the linker, at build time
var commit string

// Version returns the commit settle was built from, or "dev" for builds
// without linker flags
func Version() string {
	if commit == "" {
		return "dev"
	}
	return commit
}
