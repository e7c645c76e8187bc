package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// mergeFile overlays the file's values onto the config. YAML by default;
// .json and .json5 parse as JSON5. Environment references in the file body
// expand before parsing.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return json5.Unmarshal(expanded, c)
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(expanded))
		if err := decoder.Decode(c); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return fmt.Errorf("expected a single YAML document")
		}
		return nil
	}
}
