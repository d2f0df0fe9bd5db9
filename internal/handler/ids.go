package handler

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/goevery/chatrelay/internal/ierr"
)

// IdValidator accepts user and conversation ids: hex ObjectIds as well as the
// opaque ids used in tests and by other identity providers.
type IdValidator struct {
	idRegex *regexp.Regexp
}

func NewIdValidator() *IdValidator {
	return &IdValidator{
		idRegex: regexp.MustCompile(`^[\w-]{1,64}$`),
	}
}

func (v *IdValidator) Validate(field, id string) error {
	if id == "" {
		return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%s is required", field))
	}

	if !v.idRegex.MatchString(id) {
		return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("invalid %s", field))
	}

	return nil
}

func (v *IdValidator) ValidateAll(field string, ids []string) error {
	if len(ids) == 0 {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New(field+" cannot be empty"))
	}

	for _, id := range ids {
		if err := v.Validate(field, id); err != nil {
			return err
		}
	}

	return nil
}
