package architecture_test

import (
	"bufio"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// TestImportBoundaries enforces the module's layering: platform and domain
// are leaves, the stores and queue sit below the worker/pool/backend tier,
// and only the driver tier may reach across everything.
func TestImportBoundaries(t *testing.T) {
	t.Helper()

	start, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(start)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}

	modulePath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read module path: %v", err)
	}

	internalDir := filepath.Join(root, "internal")
	fset := token.NewFileSet()

	type violation struct {
		file string
		imp  string
		rule string
	}
	var violations []violation

	walkErr := filepath.WalkDir(internalDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "vendor", "node_modules", ".gocache":
				return filepath.SkipDir
			default:
				return nil
			}
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		layer := layerFor(rel)
		if layer == "" {
			return nil
		}
		disallowed := disallowedImports(modulePath, layer)
		if len(disallowed) == 0 {
			return nil
		}

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, spec := range f.Imports {
			if spec == nil || spec.Path == nil {
				continue
			}
			imp, err := strconv.Unquote(spec.Path.Value)
			if err != nil {
				continue
			}
			for _, bad := range disallowed {
				if strings.HasPrefix(imp, bad) {
					violations = append(violations, violation{file: rel, imp: imp, rule: bad})
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk internal/: %v", walkErr)
	}

	if len(violations) > 0 {
		var b strings.Builder
		b.WriteString("import boundary violations:\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s imports %q (disallowed: %q)\n", v.file, v.imp, v.rule)
		}
		t.Fatal(b.String())
	}
}

// TestDomainIsLeaf keeps the shared data model dependency-free within the
// module: everything may import domain, domain imports nothing internal.
func TestDomainIsLeaf(t *testing.T) {
	t.Helper()

	start, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(start)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}
	modulePath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read module path: %v", err)
	}

	domainDir := filepath.Join(root, "internal", "domain")
	fset := token.NewFileSet()

	var violations []string
	walkErr := filepath.WalkDir(domainDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") {
			return nil
		}
		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, spec := range f.Imports {
			imp, err := strconv.Unquote(spec.Path.Value)
			if err != nil {
				continue
			}
			if strings.HasPrefix(imp, modulePath+"/internal/") {
				rel, _ := filepath.Rel(root, path)
				violations = append(violations, fmt.Sprintf("%s imports %q", rel, imp))
			}
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk internal/domain: %v", walkErr)
	}
	if len(violations) > 0 {
		t.Fatalf("internal/domain must not import other internal packages:\n%s", strings.Join(violations, "\n"))
	}
}

func layerFor(rel string) string {
	switch {
	case strings.HasPrefix(rel, "internal/platform/"):
		return "platform"
	case strings.HasPrefix(rel, "internal/store/"):
		return "store"
	case strings.HasPrefix(rel, "internal/queue/"),
		strings.HasPrefix(rel, "internal/resultcache/"):
		return "durable"
	case strings.HasPrefix(rel, "internal/worker/"),
		strings.HasPrefix(rel, "internal/pool/"),
		strings.HasPrefix(rel, "internal/executor/"):
		return "worker"
	case strings.HasPrefix(rel, "internal/backend/"),
		strings.HasPrefix(rel, "internal/lifecycle/"):
		return "backend"
	default:
		return ""
	}
}

func disallowedImports(modulePath string, layer string) []string {
	switch layer {
	case "platform":
		return []string{
			modulePath + "/internal/queue",
			modulePath + "/internal/resultcache",
			modulePath + "/internal/worker",
			modulePath + "/internal/pool",
			modulePath + "/internal/backend",
			modulePath + "/internal/driver",
			modulePath + "/internal/app",
		}
	case "store":
		return []string{
			modulePath + "/internal/queue",
			modulePath + "/internal/resultcache",
			modulePath + "/internal/backend",
			modulePath + "/internal/driver",
		}
	case "durable":
		return []string{
			modulePath + "/internal/worker",
			modulePath + "/internal/pool",
			modulePath + "/internal/backend",
			modulePath + "/internal/driver",
			modulePath + "/internal/lifecycle",
		}
	case "worker":
		return []string{
			modulePath + "/internal/backend",
			modulePath + "/internal/driver",
			modulePath + "/internal/lifecycle",
			modulePath + "/internal/app",
		}
	case "backend":
		return []string{
			modulePath + "/internal/driver",
			modulePath + "/internal/app",
		}
	default:
		return nil
	}
}

func findModuleRoot(start string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found from %s", start)
		}
		dir = parent
	}
}

func readModulePath(goModPath string) (string, error) {
	f, err := os.Open(goModPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if !strings.HasPrefix(line, "module ") {
			continue
		}
		mp := strings.TrimSpace(strings.TrimPrefix(line, "module "))
		if mp == "" {
			return "", fmt.Errorf("empty module path in %s", goModPath)
		}
		return mp, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("module path not found in %s", goModPath)
}
