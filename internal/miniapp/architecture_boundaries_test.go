package miniapp

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "event-chat/go-backend"

func TestArchitecture_MiniAppTreeDisallowsOuterLayers(t *testing.T) {
	root := packageDir(t)
	violations := scanImports(t, root, []string{
		modulePath + "/internal/runtime",
		modulePath + "/internal/adapters",
		modulePath + "/internal/config",
		modulePath + "/internal/metrics",
		modulePath + "/cmd",
	})
	require.Empty(t, violations, "mini-app boundary violations detected:\n- %s", strings.Join(violations, "\n- "))
}

func TestArchitecture_HandlersStayTransportAgnostic(t *testing.T) {
	root := filepath.Join(packageDir(t), "apps")
	violations := scanImports(t, root, []string{
		modulePath + "/internal/ledger",
		modulePath + "/internal/waku",
		modulePath + "/internal/miniapp/envelope",
		modulePath + "/internal/securestore",
	})
	require.Empty(t, violations, "handler boundary violations detected:\n- %s", strings.Join(violations, "\n- "))
}

func packageDir(t *testing.T) string {
	t.Helper()
	_, currentFile, _, ok := runtime.Caller(0)
	require.True(t, ok, "resolve current test file path")
	return filepath.Dir(currentFile)
}

func scanImports(t *testing.T, root string, forbidden []string) []string {
	t.Helper()
	fset := token.NewFileSet()
	var violations []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		parsed, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return fmt.Errorf("parse file %s: %w", path, err)
		}
		for _, imp := range parsed.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			for _, prefix := range forbidden {
				if !hasPrefixImport(importPath, prefix) {
					continue
				}
				relPath, relErr := filepath.Rel(root, path)
				if relErr != nil {
					relPath = path
				}
				violations = append(violations, fmt.Sprintf("%s:%d imports %q", relPath, fset.Position(imp.Path.Pos()).Line, importPath))
				break
			}
		}
		return nil
	})
	require.NoError(t, walkErr, "walk %s", root)
	return violations
}

func hasPrefixImport(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
