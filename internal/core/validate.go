package core

import (
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	tagPattern       = regexp.MustCompile(`^#[0289PYLQGRJCUV]{3,12}$`)
	snowflakePattern = regexp.MustCompile(`^[0-9]{15,21}$`)

	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the domain tags registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterValidation("cocTag", func(fl validator.FieldLevel) bool {
			return tagPattern.MatchString(fl.Field().String())
		})
		validate.RegisterValidation("snowflake", func(fl validator.FieldLevel) bool {
			return snowflakePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// NormalizeTag upper-cases a clan or player tag, adds the leading '#' and
// replaces the letter O with zero, which the game never uses in tags.
func NormalizeTag(tag string) string {
	t := strings.ToUpper(strings.TrimSpace(tag))
	t = strings.TrimPrefix(t, "#")
	t = strings.ReplaceAll(t, "O", "0")
	return "#" + t
}

// ParseTag normalises and validates a tag supplied by a user.
func ParseTag(tag string) (string, error) {
	t := NormalizeTag(tag)
	if !tagPattern.MatchString(t) {
		return "", InvalidInput("%q is not a valid tag", tag)
	}
	return t, nil
}

// ParseSnowflake validates a Discord id supplied by a user.
func ParseSnowflake(kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	id = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(id, "<@"), "<#"), ">")
	id = strings.TrimPrefix(id, "!")
	if !snowflakePattern.MatchString(id) {
		return "", InvalidInput("%q is not a valid %s id", id, kind)
	}
	return id, nil
}
