// Package errs provides the error type returned to API clients and the
// mapping from domain errors to it.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
)

// ErrCode classifies an API error.
type ErrCode struct {
	name   string
	status int
}

// String returns the code's wire name.
func (c ErrCode) String() string { return c.name }

// HTTPStatus returns the status code the error is served with.
func (c ErrCode) HTTPStatus() int { return c.status }

// Error codes returned by the API.
var (
	InvalidArgument = ErrCode{name: "invalid_argument", status: http.StatusBadRequest}
	NotFound        = ErrCode{name: "not_found", status: http.StatusNotFound}
	Internal        = ErrCode{name: "internal", status: http.StatusInternalServerError}
	Unavailable     = ErrCode{name: "unavailable", status: http.StatusServiceUnavailable}
)

// Error is the error document sent to clients.
type Error struct {
	Code    ErrCode           `json:"-"`
	Message string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// New wraps err with a code. Internal errors never expose the cause.
func New(code ErrCode, err error) *Error {
	msg := err.Error()
	if code == Internal {
		msg = "internal server error"
	}
	e := &Error{Code: code, Message: msg}

	var ferrs FieldErrors
	if errors.As(err, &ferrs) {
		e.Message = "invalid request"
		e.Fields = ferrs
	}
	return e
}

// Newf creates an error with a formatted message.
func Newf(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// MarshalJSON adds the code name to the document.
func (e *Error) MarshalJSON() ([]byte, error) {
	type doc Error
	return json.Marshal(struct {
		Code string `json:"code"`
		*doc
	}{Code: e.Code.String(), doc: (*doc)(e)})
}

// FromDomain maps a domain error to an API error.
func FromDomain(err error) *Error {
	var apiErr *Error
	var vErr *scanning.ValidationError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &vErr):
		return &Error{
			Code:    InvalidArgument,
			Message: vErr.Error(),
			Fields:  map[string]string{vErr.Field: vErr.Reason},
		}
	case errors.Is(err, scanning.ErrScanNotFound), errors.Is(err, scanning.ErrFindingNotFound):
		return New(NotFound, err)
	default:
		return New(Internal, err)
	}
}

// FieldErrors maps request fields to their validation failure.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for f, reason := range fe {
		parts = append(parts, f+": "+reason)
	}
	return strings.Join(parts, "; ")
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
	translator   ut.Translator
)

func validatorInstance() (*validator.Validate, ut.Translator) {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})

		english := en.New()
		translator, _ = ut.New(english, english).GetTranslator("en")
		if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
			panic(fmt.Sprintf("registering validator translations: %v", err))
		}
	})
	return validate, translator
}

// Check validates the struct tags of val and reports the translated failure
// per JSON field name.
func Check(val any) error {
	v, trans := validatorInstance()
	err := v.Struct(val)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(trans)
	}
	return fields
}
