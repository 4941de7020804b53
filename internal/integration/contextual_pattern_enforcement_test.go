package integration

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// TestLibraryCodePatterns walks the library sources and enforces the
// conventions the packages rely on: diagnostics go through logging.Logger,
// only commands exit the process and the model stays storage agnostic.
func TestLibraryCodePatterns(t *testing.T) {
	repoRoot, err := findRepositoryRoot()
	if err != nil {
		t.Fatalf("Failed to find repository root: %v", err)
	}
	files := parseSources(t, repoRoot, "internal", "pkg")

	t.Run("no direct printing in library code", func(t *testing.T) {
		for path, file := range files {
			ast.Inspect(file, func(n ast.Node) bool {
				sel, ok := selectorCall(n)
				if !ok {
					return true
				}
				pkg, fn := sel[0], sel[1]
				if (pkg == "fmt" && strings.HasPrefix(fn, "Print")) || pkg == "log" {
					t.Errorf("%s: %s.%s bypasses logging.Logger", path, pkg, fn)
				}
				return true
			})
		}
	})

	t.Run("only commands exit the process", func(t *testing.T) {
		for path, file := range files {
			ast.Inspect(file, func(n ast.Node) bool {
				if sel, ok := selectorCall(n); ok && sel[0] == "os" && sel[1] == "Exit" {
					t.Errorf("%s: os.Exit outside cmd/", path)
				}
				return true
			})
		}
	})

	t.Run("model does not import storage backends", func(t *testing.T) {
		forbidden := []string{"imagecore/internal/blob", "imagecore/internal/infra", "imagecore/internal/persistence", "imagecore/internal/library"}
		for path, file := range files {
			if !strings.Contains(filepath.ToSlash(path), "internal/model/") {
				continue
			}
			for _, imp := range file.Imports {
				p, _ := strconv.Unquote(imp.Path.Value)
				for _, f := range forbidden {
					if p == f || strings.HasPrefix(p, f+"/") {
						t.Errorf("%s imports %s", path, p)
					}
				}
			}
		}
	})
}

func selectorCall(n ast.Node) ([2]string, bool) {
	call, ok := n.(*ast.CallExpr)
	if !ok {
		return [2]string{}, false
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return [2]string{}, false
	}
	id, ok := sel.X.(*ast.Ident)
	if !ok {
		return [2]string{}, false
	}
	return [2]string{id.Name, sel.Sel.Name}, true
}

func parseSources(t *testing.T, root string, dirs ...string) map[string]*ast.File {
	t.Helper()
	out := make(map[string]*ast.File)
	fset := token.NewFileSet()
	for _, dir := range dirs {
		err := filepath.Walk(filepath.Join(root, dir), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() && strings.HasPrefix(info.Name(), "_") {
				return filepath.SkipDir
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			file, err := parser.ParseFile(fset, path, nil, 0)
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(root, path)
			out[rel] = file
			return nil
		})
		if err != nil {
			t.Fatalf("walk %s: %v", dir, err)
		}
	}
	return out
}

// findRepositoryRoot finds the repository root by looking for go.mod file
func findRepositoryRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("could not find go.mod file")
}
