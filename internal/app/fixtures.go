package app

import (
	"encoding/json"
	"fmt"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Fixtures seed the in-memory user and template sources.
type Fixtures struct {
	Users     []domain.UserPreferenceSnapshot `json:"users"`
	Templates []domain.TemplateDefinition     `json:"templates"`
}

// LoadFixtures reads a YAML fixtures file. An empty path yields no fixtures.
func LoadFixtures(path string) (*Fixtures, error) {
	var fx Fixtures
	if path == "" {
		return &fx, nil
	}

	// Addresses and slugs may contain dots, so keys are never split.
	k := koanf.New("\x00")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load fixtures %s: %w", path, err)
	}

	// Round-trip through JSON so embedded domain structs decode by their json tags.
	raw, err := json.Marshal(k.Raw())
	if err != nil {
		return nil, fmt.Errorf("encode fixtures %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	return &fx, nil
}
