package util

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/mongo"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status}
}

func NewBadInput(message string) error {
	return NewDomainError("BAD_INPUT", message, http.StatusBadRequest)
}

func NewUnauthorized(message string) error {
	return NewDomainError("UNAUTHORIZED", message, http.StatusUnauthorized)
}

func NewForbidden(message string) error {
	return NewDomainError("FORBIDDEN", message, http.StatusForbidden)
}

func NewNotFound(message string) error {
	return NewDomainError("NOT_FOUND", message, http.StatusNotFound)
}

func NewConflict(message string) error {
	return NewDomainError("CONFLICT", message, http.StatusConflict)
}

func NewTooManyRequests(message string) error {
	return NewDomainError("RATE_LIMITED", message, http.StatusTooManyRequests)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "Internal Server Error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InvalidIDError reports a lookup identifier that is not a valid object id.
type InvalidIDError struct {
	Value string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("Invalid ID format: %s", e.Value)
}

// ToDomainError converts any error raised by a flow or by the store into the
// single DomainError shape the response middleware renders. First match wins.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	if mongo.IsDuplicateKeyError(err) {
		field := duplicateKeyField(err)
		return NewDomainError("CONFLICT", fmt.Sprintf("%s already exists.", capitalize(field)), http.StatusConflict)
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return NewDomainError("VALIDATION_FAILED", validationMessage(fieldErrs), http.StatusBadRequest)
	}

	var invalidID *InvalidIDError
	if errors.As(err, &invalidID) {
		return NewDomainError("BAD_INPUT", invalidID.Error(), http.StatusBadRequest)
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return NewDomainError("NOT_FOUND", "Resource not found.", http.StatusNotFound)
	}

	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "Internal Server Error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// duplicateKeyField extracts the offending field name from a Mongo duplicate
// key error by parsing the index name out of the server message
// ("... index: email_1 dup key ...").
func duplicateKeyField(err error) string {
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if field := fieldFromIndexMessage(we.Message); field != "" {
				return field
			}
		}
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if field := fieldFromIndexMessage(cmdErr.Message); field != "" {
			return field
		}
	}
	return "value"
}

func fieldFromIndexMessage(msg string) string {
	const marker = "index: "
	start := strings.Index(msg, marker)
	if start < 0 {
		return ""
	}
	rest := msg[start+len(marker):]
	if end := strings.IndexAny(rest, " \t"); end >= 0 {
		rest = rest[:end]
	}
	// index names follow the "<field>_<direction>" convention
	if cut := strings.LastIndex(rest, "_"); cut > 0 {
		rest = rest[:cut]
	}
	return rest
}

// validationMessage renders one comma-separated message covering every failed
// field, mirroring how schema validators report multiple failures at once.
func validationMessage(fieldErrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return strings.Join(msgs, ", ")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", capitalize(fe.Field()))
	case "email":
		return "Please provide a valid email"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", capitalize(fe.Field()), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", capitalize(fe.Field()))
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
