package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Problem is one invalid configuration field
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is returned when the configuration cannot be used. It is fatal:
// nothing runs until it is fixed.
type Error struct {
	Problems []Problem
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("%s: %s", p.Field, p.Message)
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

var (
	vOnce sync.Once
	v     *validator.Validate
)

func getValidator() *validator.Validate {
	vOnce.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())

		// report json paths rather than Go field names
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
	})
	return v
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var problems []Problem

	if err := getValidator().Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return &Error{Problems: []Problem{{Field: "config", Message: err.Error()}}}
		}
		for _, fe := range verrs {
			problems = append(problems, Problem{Field: fieldPath(fe), Message: message(fe)})
		}
	}

	if c.NotificationConfig.Enabled && len(c.NotificationConfig.Recipients) == 0 {
		problems = append(problems, Problem{
			Field:   "notificationConfig.recipients",
			Message: "at least one recipient is required when notifications are enabled",
		})
	}

	if len(problems) > 0 {
		return &Error{Problems: sortProblems(problems)}
	}
	return nil
}

// fieldPath strips the root struct name: Config.source.baseURL -> source.baseURL
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "email":
		return fmt.Sprintf("%q is not a valid email address", fe.Value())
	case "oneof":
		return "must be one of " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func sortProblems(problems []Problem) []Problem {
	sort.Slice(problems, func(i, j int) bool { return problems[i].Field < problems[j].Field })
	return problems
}
