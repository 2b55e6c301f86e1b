package placement

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Loader handles loading and parsing of the placement file
type Loader struct {
	filePath string
}

// NewLoader creates a new placement loader
func NewLoader(filePath string) *Loader {
	return &Loader{
		filePath: filePath,
	}
}

// Path returns the file the loader reads
func (l *Loader) Path() string {
	return l.filePath
}

// Load reads and parses the placement file
func (l *Loader) Load() (File, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return File{}, fmt.Errorf("failed to read placement file: %w", err)
	}

	data = expandEnvVariables(data)

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("failed to parse placement yaml: %w", err)
	}

	return file, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// expandEnvVariables substitutes ${VAR} references from the environment.
// Example: zone: ${BEACON_EDGE_ZONE} -> zone: edge.example.com.
func expandEnvVariables(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarRegex.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}
