package agent

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"stark-backend/internal/llm"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// ToolCatalog 按模式返回允许模型调用的工具定义。
type ToolCatalog interface {
	ToolsForMode(mode Mode) []llm.ToolSpec
}

// Catalog 是从声明式 YAML 加载的工具目录。
type Catalog struct {
	modes map[Mode][]llm.ToolSpec
}

var _ ToolCatalog = (*Catalog)(nil)

type catalogFile struct {
	Modes map[string][]string `yaml:"modes"`
	Tools []struct {
		Name        string         `yaml:"name"`
		Description string         `yaml:"description"`
		Parameters  map[string]any `yaml:"parameters"`
	} `yaml:"tools"`
}

// LoadCatalog 解析工具目录。目录中每个模式引用的工具都必须有定义。
func LoadCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析工具目录失败: %w", err)
	}

	specs := make(map[string]llm.ToolSpec, len(file.Tools))
	for _, tool := range file.Tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		schema, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("工具 %s 的参数定义无效: %w", tool.Name, err)
		}
		specs[tool.Name] = llm.ToolSpec{Name: tool.Name, Description: tool.Description, Parameters: schema}
	}

	catalog := &Catalog{modes: make(map[Mode][]llm.ToolSpec, len(file.Modes))}
	for name, tools := range file.Modes {
		mode, ok := ParseMode(name)
		if !ok {
			return nil, fmt.Errorf("工具目录包含未知模式 %q", name)
		}
		for _, toolName := range tools {
			spec, ok := specs[toolName]
			if !ok {
				return nil, fmt.Errorf("模式 %s 引用了未定义的工具 %q", mode, toolName)
			}
			catalog.modes[mode] = append(catalog.modes[mode], spec)
		}
	}
	return catalog, nil
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
	defaultCatalogErr  error
)

// DefaultCatalog 返回内置的工具目录。
func DefaultCatalog() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = LoadCatalog(defaultCatalogYAML)
	})
	return defaultCatalog, defaultCatalogErr
}

// ToolsForMode 返回模式对应的工具定义副本。
func (c *Catalog) ToolsForMode(mode Mode) []llm.ToolSpec {
	if c == nil {
		return nil
	}
	return append([]llm.ToolSpec(nil), c.modes[mode]...)
}
