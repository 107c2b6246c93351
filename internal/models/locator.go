package models

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultLocatorScheme is the URL scheme used in asset locators.
const DefaultLocatorScheme = "asset"

// ErrInvalidLocator is returned when a locator cannot be parsed or carries a
// malformed hash.
var ErrInvalidLocator = errors.New("invalid asset locator")

// Locator is the opaque external address of an asset:
// scheme://<hash>[?thumbnail=true]
type Locator struct {
	Scheme    string
	Hash      string
	Thumbnail bool
}

// NewLocator builds a locator with the given scheme.
func NewLocator(scheme, hash string, thumbnail bool) Locator {
	if scheme == "" {
		scheme = DefaultLocatorScheme
	}
	return Locator{Scheme: scheme, Hash: hash, Thumbnail: thumbnail}
}

// String formats the locator.
func (l Locator) String() string {
	s := l.Scheme + "://" + l.Hash
	if l.Thumbnail {
		s += "?thumbnail=true"
	}
	return s
}

// ParseLocator parses a locator string. A bare hash is accepted as well. The
// hash segment is validated before anything else looks at it.
func ParseLocator(scheme, raw string) (Locator, error) {
	if scheme == "" {
		scheme = DefaultLocatorScheme
	}
	raw = strings.TrimSpace(raw)

	if !strings.Contains(raw, "://") {
		if !ValidHash(raw) {
			return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, raw)
		}
		return Locator{Scheme: scheme, Hash: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if u.Scheme != scheme {
		return Locator{}, fmt.Errorf("%w: unexpected scheme %q", ErrInvalidLocator, u.Scheme)
	}

	hash := u.Host
	if hash == "" {
		hash = strings.TrimPrefix(u.Opaque, "//")
	}
	if u.Path != "" && u.Path != "/" {
		return Locator{}, fmt.Errorf("%w: unexpected path %q", ErrInvalidLocator, u.Path)
	}
	if !ValidHash(hash) {
		return Locator{}, fmt.Errorf("%w: malformed hash", ErrInvalidLocator)
	}

	loc := Locator{Scheme: scheme, Hash: hash}
	if v := u.Query().Get("thumbnail"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Locator{}, fmt.Errorf("%w: thumbnail=%q", ErrInvalidLocator, v)
		}
		loc.Thumbnail = b
	}
	return loc, nil
}
