package command

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
)

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("envmap", func(fl validator.FieldLevel) bool {
		iter := fl.Field().MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if key == "" || strings.ContainsAny(key, "=\x00") {
				return false
			}
		}
		return true
	})
}

// ValidationError describes a structural problem with a definition.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid command: " + e.Problem
	}
	return fmt.Sprintf("invalid command %s: %s", e.Field, e.Problem)
}

// Validate checks the structural invariants of a normalized definition.
// Schedule expressions are checked separately by the schedule package.
func (d Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &ValidationError{Problem: err.Error()}
	}
	if strings.TrimSpace(d.Action.Text) == "" {
		return &ValidationError{Field: "action.text", Problem: "must not be blank"}
	}
	return nil
}

func fieldError(fe validator.FieldError) *ValidationError {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	var problem string
	switch fe.Tag() {
	case "required":
		problem = "is required"
	case "max":
		problem = "must be at most " + fe.Param() + " characters"
	case "oneof":
		problem = fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "gte":
		problem = "must be at least " + fe.Param()
	case "lte":
		problem = "must be at most " + fe.Param()
	case "envmap":
		problem = "variable names must be non-empty and must not contain '='"
	default:
		problem = "failed " + fe.Tag() + " check"
	}
	return &ValidationError{Field: field, Problem: problem}
}

// Warnings reports non-fatal problems that will likely make the command fail
// at launch time.
func (d Definition) Warnings(flags Flags) []string {
	var out []string
	if d.WorkingDirectory != "" {
		if info, err := os.Stat(d.WorkingDirectory); err != nil || !info.IsDir() {
			out = append(out, fmt.Sprintf("working directory %q does not exist", d.WorkingDirectory))
		}
	}
	if d.Action.Kind == KindLine && !flags.RunInShell {
		argv, err := shlex.Split(d.Action.Text)
		switch {
		case err != nil:
			out = append(out, fmt.Sprintf("command line cannot be parsed: %v", err))
		case len(argv) > 0:
			if _, err := exec.LookPath(argv[0]); err != nil {
				out = append(out, fmt.Sprintf("executable %q not found", argv[0]))
			}
		}
	}
	return out
}
