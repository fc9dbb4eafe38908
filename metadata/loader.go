package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadDir reads every *.yaml / *.yml file under dir as a flow definition and
// saves it through the service. Used at startup to seed flows shipped with a
// deployment; invalid files fail the load so misconfigurations surface early.
func (s *Service) LoadDir(ctx context.Context, dir string) error {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matched, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		files = append(files, matched...)
	}
	for _, file := range files {
		def, err := readDefinitionFile(file)
		if err != nil {
			return fmt.Errorf("load flow file %s: %w", file, err)
		}
		if err := s.Save(ctx, def); err != nil {
			return fmt.Errorf("load flow file %s: %w", file, err)
		}
		logger.Info("flow loaded from file", zap.String("file", file), zap.String("flow", def.Id))
	}
	return nil
}

func readDefinitionFile(path string) (*model.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def model.FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}
