package index

import (
	"fmt"

	tberrors "github.com/tabulard/tabulard/internal/errors"
)

const (
	// MinFragmentLen is the shortest search fragment accepted.
	MinFragmentLen = 3

	// MaxResults caps the number of locators returned to a caller.
	MaxResults = 10
)

// ValidateFragment rejects fragments shorter than MinFragmentLen characters.
func ValidateFragment(fragment string) error {
	if n := len([]rune(fragment)); n < MinFragmentLen {
		return tberrors.NewValidationError(tberrors.CodeFragmentTooShort,
			fmt.Sprintf("search fragment must be at least %d characters, got %d", MinFragmentLen, n))
	}
	return nil
}
