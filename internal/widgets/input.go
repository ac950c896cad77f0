package widgets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/widgetkit/gateway/internal/core/domain"
)

const maxInputBytes = 64 << 10

// input is a decoded form or JSON body.
type input map[string]any

func readInput(r *http.Request) (input, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(io.LimitReader(r.Body, maxInputBytes))
		dec.UseNumber()
		in := input{}
		if err := dec.Decode(&in); err != nil && err != io.EOF {
			return nil, domain.ErrValidation("Request body is not valid JSON", nil)
		}
		return in, nil
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, maxInputBytes)
		if err := r.ParseForm(); err != nil {
			return nil, domain.ErrValidation("Request body could not be parsed", nil)
		}
		in := input{}
		for k := range r.PostForm {
			in[k] = r.PostForm.Get(k)
		}
		return in, nil
	default:
		return input{}, nil
	}
}

func (in input) str(key string) string {
	switch v := in[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

// integer parses key as an int; ok is false when it is absent or not a whole number.
func (in input) integer(key string) (int, bool) {
	s := in.str(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

var validate = newValidate()

// newValidate reports fields by their JSON names and adds the rating and
// maxbytes rules.
func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	must(v.RegisterValidation("rating", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n >= minRating && n <= maxRating
	}))
	must(v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		n, err := strconv.Atoi(fl.Param())
		return err == nil && len(fl.Field().String()) <= n
	}))
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// check validates s and maps failures to a VALIDATION_FAILED error keyed by field.
func check(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) {
		return domain.ErrInternal().WithCause(err)
	}
	fields := make(map[string]string, len(failures))
	for _, fe := range failures {
		if _, seen := fields[fe.Field()]; !seen {
			fields[fe.Field()] = fieldMessage(fe)
		}
	}
	return domain.ErrValidation("Validation failed", fields)
}

func fieldMessage(fe validator.FieldError) string {
	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
	}
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s%s", fe.Param(), unit)
	case "max":
		return fmt.Sprintf("must be at most %s%s", fe.Param(), unit)
	case "maxbytes":
		return fmt.Sprintf("must be at most %s bytes", fe.Param())
	case "rating":
		return fmt.Sprintf("must be a whole number from %d to %d", minRating, maxRating)
	}
	return "is invalid"
}

// pageLimit reads the limit query parameter, defaulting to 50 and capping at 200.
func pageLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	switch {
	case err != nil || n <= 0:
		return 50
	case n > 200:
		return 200
	}
	return n
}
