package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/pressly/goose/v3"
)

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

var sqlMigrationTemplate = template.Must(template.New("sql-migration").Parse(`-- +goose Up
-- +goose StatementBegin
-- {{.CamelName}}
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- +goose StatementEnd
`))

// CreateSQLMigration writes <dir>/<YYYYMMDDHHMMSS>_<name>.sql through goose and returns its path.
func CreateSQLMigration(dir string, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	safe := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
	safe = strings.Trim(nameSanitizeRe.ReplaceAllString(safe, "_"), "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	pattern := filepath.Join(dir, "*_"+safe+".sql")
	before, _ := filepath.Glob(pattern)
	goose.SetSequential(false)
	if err := goose.CreateWithTemplate(nil, dir, sqlMigrationTemplate, safe, "sql"); err != nil {
		return "", fmt.Errorf("goose create: %w", err)
	}
	after, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	existing := make(map[string]struct{}, len(before))
	for _, p := range before {
		existing[p] = struct{}{}
	}
	for _, p := range after {
		if _, ok := existing[p]; !ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("migration for %q not found after create", safe)
}
