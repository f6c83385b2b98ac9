package reporting

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// PrintJSON writes v as indented JSON to w, or stdout when w is nil
func PrintJSON(w io.Writer, v interface{}) error {
	if w == nil {
		w = os.Stdout
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// WriteJSON writes v as indented JSON to path
func WriteJSON(v interface{}, path string) error {
	if err := EnsureDirectoryExists(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
