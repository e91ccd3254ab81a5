package migrate

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

var migrationFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// Validate checks every .sql file in migrations: the name carries a unique
// 14-digit version, both goose sections exist, and StatementBegin/End pair
// up. All problems are reported together.
func Validate(migrations fs.FS) error {
	names, err := fs.Glob(migrations, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	var errs error
	versions := make(map[string]string, len(names))
	for _, name := range names {
		m := migrationFileRe.FindStringSubmatch(name)
		if m == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: want YYYYMMDDHHMMSS_snake_name.sql", name))
			continue
		}
		if prev, dup := versions[m[1]]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%s: version %s already used by %s", name, m[1], prev))
		}
		versions[m[1]] = name

		raw, err := fs.ReadFile(migrations, name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		errs = multierr.Append(errs, checkAnnotations(name, string(raw)))
	}
	return errs
}

func checkAnnotations(name, body string) error {
	var errs error
	up := strings.Index(body, "-- +goose Up")
	down := strings.Index(body, "-- +goose Down")
	switch {
	case up < 0:
		errs = multierr.Append(errs, fmt.Errorf("%s: missing -- +goose Up", name))
	case down < 0:
		errs = multierr.Append(errs, fmt.Errorf("%s: missing -- +goose Down", name))
	case down < up:
		errs = multierr.Append(errs, fmt.Errorf("%s: Down section precedes Up", name))
	}
	begins := strings.Count(body, "-- +goose StatementBegin")
	ends := strings.Count(body, "-- +goose StatementEnd")
	if begins != ends {
		errs = multierr.Append(errs, fmt.Errorf("%s: %d StatementBegin but %d StatementEnd", name, begins, ends))
	}
	return errs
}
