package common

import (
	"fmt"
	"runtime"
)

const (
	// Application information
	ProjectName    = "Trade Guard"
	ProjectVersion = "0.4.0"
	ProjectRepo    = "github.com/ducminhle1904/trade-guard"
)

// Build information, set during build via -ldflags
var (
	BuildDate   = "unknown"
	BuildCommit = "dev"
)

// VersionInfo contains version and build information
type VersionInfo struct {
	ProjectName  string `json:"project_name"`
	Version      string `json:"version"`
	BuildDate    string `json:"build_date"`
	BuildCommit  string `json:"build_commit"`
	GoVersion    string `json:"go_version"`
	Architecture string `json:"architecture"`
	Repository   string `json:"repository"`
}

// GetVersionInfo returns complete version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		ProjectName:  ProjectName,
		Version:      ProjectVersion,
		BuildDate:    BuildDate,
		BuildCommit:  BuildCommit,
		GoVersion:    runtime.Version(),
		Architecture: runtime.GOOS + "/" + runtime.GOARCH,
		Repository:   ProjectRepo,
	}
}

// PrintVersion prints version information in a formatted way
func PrintVersion(appName string) {
	info := GetVersionInfo()

	fmt.Printf("%s v%s\n", appName, info.Version)
	fmt.Printf("Build: %s (%s)\n", info.BuildCommit, info.BuildDate)
	fmt.Printf("Go: %s (%s)\n", info.GoVersion, info.Architecture)
}
