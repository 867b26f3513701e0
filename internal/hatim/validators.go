package hatim

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/hatim-circle/backend/internal/models"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// RegisterValidators adds the hatimkind, hatimstatus and juz tags to gin's
// binding validator and reports fields by their json or uri name. Every call
// returns the outcome of the first.
func RegisterValidators() error {
	registerOnce.Do(func() {
		registerErr = registerTags(binding.Validator.Engine())
	})
	return registerErr
}

func registerTags(engine any) error {
	v, ok := engine.(*validator.Validate)
	if !ok {
		return errors.New("gin binding engine is not validator/v10")
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"json", "uri"} {
			if name := strings.SplitN(f.Tag.Get(key), ",", 2)[0]; name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	tags := map[string]validator.Func{
		"hatimkind": func(fl validator.FieldLevel) bool {
			return models.HatimKind(fl.Field().String()).Valid()
		},
		"hatimstatus": func(fl validator.FieldLevel) bool {
			return models.HatimStatus(fl.Field().String()).Valid()
		},
		"juz": func(fl validator.FieldLevel) bool {
			return models.ValidJuz(int(fl.Field().Int()))
		},
	}
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return nil
}

// bindingMessage turns a binding failure into a single caller-facing line.
func bindingMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return "invalid request"
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return "invalid " + strings.Join(fields, ", ")
}
