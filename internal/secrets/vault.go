// Package secrets keeps named credentials encrypted at rest and hands them
// back in memory when an API_CALL placeholder of the form {{secrets.NAME}}
// is expanded.
package secrets

import (
	"context"
	"regexp"

	"github.com/rendis/taskflow/pkg/schema"
)

// Vault stores and resolves named secrets.
type Vault interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, name string) error
	Names(ctx context.Context) ([]string, error)
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// CheckName rejects names that cannot appear in a placeholder.
func CheckName(name string) error {
	if !validName.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid secret name %q: use letters, digits, '_' or '-'", name)
	}
	return nil
}
