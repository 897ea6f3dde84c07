package service

import (
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var (
	resolutionPattern = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)
	bitratePattern    = regexp.MustCompile(`^[1-9][0-9]*(\.[0-9]+)?[kKM]?$`)
)

// NewValidator returns a validator that knows the transcode option formats.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("resolution", func(fl validator.FieldLevel) bool {
		return resolutionPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("bitrate", func(fl validator.FieldLevel) bool {
		return bitratePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("crf", func(fl validator.FieldLevel) bool {
		crf, err := strconv.ParseFloat(fl.Field().String(), 64)
		return err == nil && crf >= 0 && crf <= 51
	})
	return v
}
