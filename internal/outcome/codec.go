package outcome

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// Decode parses and validates an outcome batch. Malformed payloads are
// reported as validation errors and never reach the aggregator.
func Decode(data []byte) (*Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid outcome payload")
	}
	if err := validate.Struct(&b); err != nil {
		return nil, formatValidationErrors(err)
	}
	for i, e := range b.Entries {
		if _, _, err := SplitRowID(e.RowID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid outcome row id").
				WithDetails(map[string]any{"entry": i})
		}
	}
	return &b, nil
}

// Encode serialises a batch for publishing.
func Encode(b Batch) ([]byte, error) {
	if err := validate.Struct(&b); err != nil {
		return nil, formatValidationErrors(err)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal outcome batch: %w", err)
	}
	return data, nil
}

func formatValidationErrors(err error) *pkgerrors.Error {
	if errs, ok := err.(validator.ValidationErrors); ok {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[fieldErr.Namespace()] = fieldErr.Tag()
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "outcome validation failed").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "outcome validation failed")
}
