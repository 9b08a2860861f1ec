package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

const maxBodyBytes = 1 << 20

// Bind decodes a JSON request body into target and runs struct validation.
// Failures are reported as shared.ErrValidation naming the first bad field.
func Bind(w http.ResponseWriter, r *http.Request, v *validator.Validate, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: malformed JSON body", shared.ErrValidation)
	}
	if v == nil {
		return nil
	}
	if err := v.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return shared.Validation(strings.ToLower(fe.Field()), "failed "+fe.Tag())
		}
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}
