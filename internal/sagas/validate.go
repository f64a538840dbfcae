package sagas

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

var errDecode = errors.New("decode saga context")

// contextValidator reports fields by their json names, the way a client sent them.
var contextValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
			return name
		}
		return f.Name
	})
	return v
}()

var ruleMessages = map[string]string{
	"required": "is required",
	"min":      "must be at least %s",
	"max":      "must be at most %s",
	"len":      "must be %s characters",
	"email":    "must be a valid email",
}

// decodeAndValidate unmarshals raw into dst and checks its validate tags.
// Field problems come back as one error, sorted by field name.
func decodeAndValidate(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	err := contextValidator.Struct(dst)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	sort.Slice(fieldErrs, func(i, j int) bool { return fieldErrs[i].Field() < fieldErrs[j].Field() })
	var combined error
	for _, fe := range fieldErrs {
		combined = multierr.Append(combined, errors.New(fe.Field()+" "+describeRule(fe)))
	}
	return combined
}

func describeRule(fe validator.FieldError) string {
	msg, ok := ruleMessages[fe.Tag()]
	if !ok {
		return "is invalid"
	}
	if strings.Contains(msg, "%s") {
		return fmt.Sprintf(msg, fe.Param())
	}
	return msg
}
