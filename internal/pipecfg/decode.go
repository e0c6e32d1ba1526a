package pipecfg

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Decode parses raw YAML bytes into a Pipeline. If path is non-empty it is
// recorded as the pipeline's SourcePath.
func Decode(data []byte, path string) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pipecfg: decode: %w", err)
	}
	if path != "" {
		p.SetSourcePath(path)
	}
	return &p, nil
}

// StageByName returns the stage with the given name, or (zero, false).
func (p *Pipeline) StageByName(name string) (StageConfig, bool) {
	for _, s := range p.Agents {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// StageNames returns every declared stage name, in declaration order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, 0, len(p.Agents))
	for _, s := range p.Agents {
		names = append(names, s.Name)
	}
	return names
}
