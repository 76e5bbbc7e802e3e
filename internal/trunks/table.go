// Package trunks builds the trunk name to dialable number enrichment table.
package trunks

import (
	"context"
	"log/slog"
	"strings"

	"github.com/callreportd/callreportd/internal/database/models"
)

// Directory lists the trunk directory entries the table is built from.
type Directory interface {
	List(ctx context.Context) ([]models.Trunk, error)
}

// Table maps trunk names to dialable numbers. It is built once and read-only
// afterwards; to refresh, build a new table and swap the reference.
type Table struct {
	numbers map[string]string
}

// Build constructs the table from the trunk directory. Entries whose contact
// URI cannot be parsed are skipped; trunk enrichment is best effort and a
// missing entry never aborts processing.
func Build(ctx context.Context, dir Directory, logger *slog.Logger) (*Table, error) {
	entries, err := dir.List(ctx)
	if err != nil {
		return nil, err
	}

	t := &Table{numbers: make(map[string]string, len(entries))}
	for _, e := range entries {
		number, ok := parseContactNumber(e.Contact)
		if !ok {
			logger.Debug("skipping trunk without parsable contact",
				"trunk", e.Name, "contact", e.Contact)
			continue
		}
		if e.Name == "" {
			continue
		}
		t.numbers[e.Name] = number
	}

	logger.Info("trunk enrichment table built",
		"trunks", len(entries), "numbers", len(t.numbers))
	return t, nil
}

// Empty returns a table with no entries, for callers that run without a
// trunk directory.
func Empty() *Table {
	return &Table{numbers: map[string]string{}}
}

// NumberFor returns the dialable number for a trunk name.
func (t *Table) NumberFor(name string) (string, bool) {
	number, ok := t.numbers[name]
	return number, ok
}

// Len returns the number of enriched entries.
func (t *Table) Len() int {
	return len(t.numbers)
}

// parseContactNumber extracts the user-info portion of a sip: contact URI,
// e.g. "sip:0230200101@carrier.example.com" yields "0230200101".
func parseContactNumber(contact string) (string, bool) {
	rest, ok := strings.CutPrefix(contact, "sip:")
	if !ok {
		return "", false
	}
	user, _, ok := strings.Cut(rest, "@")
	if !ok || user == "" {
		return "", false
	}
	return user, true
}
