package filediscovery

import (
	"bufio"
	"os"
	"path/filepath"

	ignore "github.com/sabhiram/go-gitignore"
)

// defaultIgnores are always skipped, whatever the ignore files say.
var defaultIgnores = []string{
	".git/",
	".commentgen/",
	"node_modules/",
	"vendor/",
}

// GetIgnoreRules reads ignore files (.gitignore, .commentgen/.ignore) under
// rootDir and returns the combined rules. The default ignores are always
// included.
func GetIgnoreRules(rootDir string) *ignore.GitIgnore {
	allRules := append([]string(nil), defaultIgnores...)

	gitignorePath := filepath.Join(rootDir, ".gitignore")
	if rules, err := readIgnoreFile(gitignorePath); err == nil {
		allRules = append(allRules, rules...)
	}

	localIgnorePath := filepath.Join(rootDir, ".commentgen", ".ignore")
	if rules, err := readIgnoreFile(localIgnorePath); err == nil {
		allRules = append(allRules, rules...)
	}

	return ignore.CompileIgnoreLines(allRules...)
}

// readIgnoreFile reads a single ignore file and returns its lines.
func readIgnoreFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
