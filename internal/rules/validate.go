package rules

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

var ErrInvalid = errors.New("invalid rules")

// ReservedPrefix holds the proxy's own health endpoints, no route may claim
// a path under it.
const ReservedPrefix = "/-/"

// Reserved reports whether a route pattern would shadow the health endpoints.
func Reserved(pattern string) bool {
	return strings.HasPrefix(pattern, ReservedPrefix) || pattern == "/-" || pattern == "/-*"
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report yaml names in errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("window", func(fl validator.FieldLevel) bool {
		return fl.Field().Int() >= int64(time.Second)
	})
	_ = v.RegisterValidation("unreserved", func(fl validator.FieldLevel) bool {
		return !Reserved(fl.Field().String())
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		s := sl.Current().Interface().(Step)
		if s.After <= 0 && s.AfterBytes <= 0 {
			sl.ReportError(s.After, "after", "After", "threshold", "")
		}
	}, Step{})
	return v
}

// Parse decodes and validates a rules document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	doc.normalize()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) normalize() {
	for i := range d.Routes {
		for j, m := range d.Routes[i].Methods {
			d.Routes[i].Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
	}
}

// Validate checks struct constraints and reports every problem at once.
func (d *Document) Validate() error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	errs := make([]error, 0, len(ves))
	for _, fe := range ves {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, fieldPath(fe), describe(fe)))
	}
	return errors.Join(errs...)
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "oneof":
		return fmt.Sprintf("%v is not one of %s", fe.Value(), fe.Param())
	case "unique":
		return fmt.Sprintf("%s must be unique", strings.ToLower(fe.Param()))
	case "gt", "gte":
		return fmt.Sprintf("must be %s %s", map[string]string{"gt": ">", "gte": ">="}[fe.Tag()], fe.Param())
	case "window":
		return "must be at least 1s"
	case "unreserved":
		return fmt.Sprintf("%v is under %s, reserved for health endpoints", fe.Value(), ReservedPrefix)
	case "ip|cidr":
		return fmt.Sprintf("%v is not an IP or CIDR", fe.Value())
	case "threshold":
		return "step needs after or after_bytes"
	}
	return "failed " + fe.Tag()
}
