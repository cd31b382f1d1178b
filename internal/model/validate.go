package model

import (
	"regexp"
	"strings"
)

var (
	assetTagPattern = regexp.MustCompile(`^(?:(?:TRL|SAH)\d{5}|SAHM\d{4})$`)
	uniqnamePattern = regexp.MustCompile(`^[a-z]{3,8}$`)
)

// ValidAssetTag reports whether tag is a consulting loaner tag.
func ValidAssetTag(tag string) bool {
	return assetTagPattern.MatchString(strings.ToUpper(strings.TrimSpace(tag)))
}

// ValidateActor checks the actor is a campus uniqname.
func ValidateActor(actor string) error {
	if !uniqnamePattern.MatchString(strings.ToLower(strings.TrimSpace(actor))) {
		return ErrInvalidActor
	}

	return nil
}
