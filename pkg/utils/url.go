package utils

import (
	"net/url"
	"strings"
)

// ToAbsoluteURL converts a relative URL to an absolute URL given a base URL.
func ToAbsoluteURL(base *url.URL, relative string) (string, error) {
	relURL, err := url.Parse(strings.TrimSpace(relative))
	if err != nil {
		return "", err
	}
	abs := base.ResolveReference(relURL)
	abs.Fragment = ""
	return abs.String(), nil
}
