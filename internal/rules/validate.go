package rules

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ruleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("ruleid", func(fl validator.FieldLevel) bool {
		return ruleIDPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks a rule's fields. The first problem found is returned as a
// *ConfigurationError.
func Validate(r Rule) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigurationError{RuleID: r.ID, Reason: err.Error()}
	}
	fe := verrs[0]
	return &ConfigurationError{RuleID: r.ID, Field: fe.Field(), Reason: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return "must not be negative"
	case "ruleid":
		return "may only contain letters, digits, '_', '-' and '.'"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// Inert returns why a valid rule can never trigger, or "" when it can. Such
// rules are accepted; callers only warn about them.
func Inert(r Rule) string {
	switch r.Condition {
	case KeywordMatch:
		for _, kw := range r.Keywords {
			if kw != "" {
				return ""
			}
		}
		return "keyword_match rule has no keywords"
	case ThresholdExceeded:
		if r.Threshold == nil {
			return "threshold_exceeded rule has no threshold"
		}
	}
	return ""
}
