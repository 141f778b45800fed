package builtin

import (
	"context"

	"github.com/thoughtoinnovate/tark/pkg/tool"
)

// RegisterAll registers the built-in tool set on a registry.
func RegisterAll(ctx context.Context, registry *tool.Registry) error {
	tools := []tool.Tool{
		&ShellTool{},
		&ReadFileTool{},
		&WriteFileTool{},
		&EditFileTool{},
		&DeleteFileTool{},
		&ListDirectoryTool{},
		&SearchTextTool{},
	}
	for _, t := range tools {
		if err := registry.Register(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
