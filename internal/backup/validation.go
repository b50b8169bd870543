package backup

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxTags           = 50
	maxTagKeyLength   = 128
	maxTagValueLength = 256
	maxDescription    = 500
)

var (
	tagKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

// NormalizeCreateOptions cleans up the description and tag values and
// rejects malformed tags. The returned options are safe to store.
func NormalizeCreateOptions(opts CreateOptions) (CreateOptions, error) {
	var errs ValidationErrors

	opts.Description = SanitizeDescription(opts.Description)

	if len(opts.Tags) > maxTags {
		errs.Add("tags", fmt.Sprintf("too many tags (max %d)", maxTags), len(opts.Tags))
	}
	var tags map[string]string
	if len(opts.Tags) > 0 {
		tags = make(map[string]string, len(opts.Tags))
	}
	for key, value := range opts.Tags {
		switch {
		case key == "":
			errs.Add("tags", "tag key cannot be empty", nil)
			continue
		case len(key) > maxTagKeyLength:
			errs.Add("tags", fmt.Sprintf("tag key too long (max %d characters)", maxTagKeyLength), key)
			continue
		case !tagKeyPattern.MatchString(key):
			errs.Add("tags", "tag keys may only contain letters, digits, '.', '_' and '-'", key)
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) > maxTagValueLength {
			errs.Add("tags", fmt.Sprintf("tag value too long (max %d characters)", maxTagValueLength), key)
			continue
		}
		tags[key] = value
	}
	opts.Tags = tags

	if errs.HasErrors() {
		return CreateOptions{}, errs
	}
	return opts, nil
}

// SanitizeDescription trims the description, collapses whitespace runs and
// truncates it to maxDescription bytes.
func SanitizeDescription(description string) string {
	description = spaceRun.ReplaceAllString(strings.TrimSpace(description), " ")
	if len(description) > maxDescription {
		cut := maxDescription - 3
		for cut > 0 && !isRuneStart(description[cut]) {
			cut--
		}
		description = description[:cut] + "..."
	}
	return description
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
