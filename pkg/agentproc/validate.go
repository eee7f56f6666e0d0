package agentproc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/agentqueue/internal/assets/schemas"
)

// ErrInvalidOptions is wrapped by ValidationErrors.
var ErrInvalidOptions = errors.New("invalid job options")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one schema violation.
type ValidationError struct {
	// Path is the JSON pointer to the offending field.
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation found in one options blob.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ErrInvalidOptions.Error()
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job options failed validation with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidOptions
}

// ValidateOptions checks a raw options blob against the embedded job-options
// schema. Empty input is valid.
func ValidateOptions(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobOptionsSchema) == 0 {
			validatorErr = errors.New("embedded job-options schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobOptionsSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile job-options schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
