package reporting

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultOutputDir returns results/<session>
func DefaultOutputDir(session string) string {
	s := strings.TrimSpace(session)
	if s == "" {
		s = "unknown"
	}
	return filepath.Join("results", s)
}

// DefaultShadowExportPath returns the workbook path for a session's shadow log on day
func DefaultShadowExportPath(session string, day time.Time) string {
	return filepath.Join(DefaultOutputDir(session), "shadow_orders_"+day.UTC().Format("2006-01-02")+".xlsx")
}

// EnsureDirectoryExists creates the parent directory of path
func EnsureDirectoryExists(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
