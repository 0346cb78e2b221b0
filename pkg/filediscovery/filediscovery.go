// Package filediscovery finds the source files the batch and watch hosts work
// on, honoring .gitignore and .commentgen/.ignore.
package filediscovery

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/alantheprice/commentgen/pkg/utils"
)

// DefaultMaxFileSize skips generated or minified blobs.
const DefaultMaxFileSize = 1 << 20

// DiscoveryOptions narrows a walk.
type DiscoveryOptions struct {
	IncludeExts   []string
	IncludeHidden bool
	MaxFileSize   int64
}

// FileDiscovery walks workspaces.
type FileDiscovery struct {
	logger  *utils.Logger
	options DiscoveryOptions
}

// NewFileDiscovery creates a new file discovery instance
func NewFileDiscovery(options DiscoveryOptions, logger *utils.Logger) *FileDiscovery {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = DefaultMaxFileSize
	}
	return &FileDiscovery{logger: logger, options: options}
}

// Expand resolves paths into a sorted, de-duplicated file list. Files are
// taken as given; directories are walked with their ignore rules.
func (fd *FileDiscovery) Expand(paths []string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		files, err := fd.Walk(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			add(f)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Walk lists candidate source files under root.
func (fd *FileDiscovery) Walk(root string) ([]string, error) {
	rules := GetIgnoreRules(root)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fd.logger.Debugf("filediscovery: skipping %s: %v", path, err)
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if fd.Ignored(rules, rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !fd.Ignored(rules, rel, false) && fd.accept(path, d) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

// Dirs lists root and every directory below it that is not ignored.
func (fd *FileDiscovery) Dirs(root string) ([]string, error) {
	rules := GetIgnoreRules(root)
	dirs := []string{root}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if fd.Ignored(rules, rel, true) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return dirs, nil
}

// Match reports whether Walk(root) would return path.
func (fd *FileDiscovery) Match(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	rules := GetIgnoreRules(root)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i := 1; i < len(parts); i++ {
		if fd.Ignored(rules, strings.Join(parts[:i], "/"), true) {
			return false
		}
	}
	if fd.Ignored(rules, rel, false) {
		return false
	}
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fd.accept(path, fs.FileInfoToDirEntry(info))
}

// Ignored reports whether rel (relative to the walk root) is excluded.
func (fd *FileDiscovery) Ignored(rules *ignore.GitIgnore, rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	if !fd.options.IncludeHidden && strings.HasPrefix(filepath.Base(rel), ".") {
		return true
	}
	if rules == nil {
		return false
	}
	if isDir && rules.MatchesPath(rel+"/") {
		return true
	}
	return rules.MatchesPath(rel)
}

func (fd *FileDiscovery) accept(path string, d fs.DirEntry) bool {
	if !d.Type().IsRegular() {
		return false
	}
	if len(fd.options.IncludeExts) > 0 {
		ext := filepath.Ext(path)
		found := false
		for _, includeExt := range fd.options.IncludeExts {
			if strings.EqualFold(ext, includeExt) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if LanguageFor(path) == "" {
		return false
	}
	info, err := d.Info()
	if err != nil || info.Size() > fd.options.MaxFileSize {
		return false
	}
	return !isBinary(path)
}

// isBinary sniffs the first block for NUL bytes.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	buf := make([]byte, 8000)
	n, _ := f.Read(buf)
	return bytes.IndexByte(buf[:n], 0) >= 0
}

var extLanguages = map[string]string{
	".go": "go", ".c": "c", ".h": "c", ".cc": "cpp", ".cpp": "cpp", ".hpp": "cpp",
	".java": "java", ".js": "javascript", ".mjs": "javascript", ".jsx": "javascriptreact",
	".ts": "typescript", ".tsx": "typescriptreact", ".rs": "rust", ".swift": "swift",
	".kt": "kotlin", ".scala": "scala", ".cs": "csharp", ".dart": "dart", ".zig": "zig",
	".php": "php", ".py": "python", ".rb": "ruby", ".sh": "sh", ".bash": "bash",
	".zsh": "zsh", ".fish": "fish", ".pl": "perl", ".r": "r", ".yaml": "yaml",
	".yml": "yaml", ".toml": "toml", ".ex": "elixir", ".exs": "elixir", ".lua": "lua",
	".sql": "sql", ".hs": "haskell", ".elm": "elm", ".lisp": "lisp", ".clj": "clojure",
	".scm": "scheme", ".fnl": "fennel", ".asm": "asm", ".s": "asm", ".ini": "ini",
	".tex": "tex", ".erl": "erlang", ".m": "matlab", ".vim": "vim", ".html": "html",
	".xml": "xml", ".md": "markdown", ".css": "css", ".ml": "ocaml",
}

var nameLanguages = map[string]string{
	"makefile":       "make",
	"dockerfile":     "dockerfile",
	"cmakelists.txt": "cmake",
}

// LanguageFor maps a file name to an editor language tag, or "" when unknown.
func LanguageFor(path string) string {
	base := strings.ToLower(filepath.Base(path))
	if lang, ok := nameLanguages[base]; ok {
		return lang
	}
	return extLanguages[strings.ToLower(filepath.Ext(base))]
}
