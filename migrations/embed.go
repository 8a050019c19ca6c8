// Package migrations embeds the Postgres schema. The SQL stores replay the
// relevant up-migration on first use; tests and consentctl apply all of them.
package migrations

import (
	"embed"
	"fmt"
)

//go:embed *.sql
var FS embed.FS

// Up returns the up-migration with the given base name, e.g.
// "000001_consent_records".
func Up(name string) (string, error) {
	b, err := FS.ReadFile(name + ".up.sql")
	if err != nil {
		return "", fmt.Errorf("read migration %s: %w", name, err)
	}
	return string(b), nil
}
