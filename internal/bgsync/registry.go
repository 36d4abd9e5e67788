package bgsync

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var registry sync.Map

// ErrDuplicateHandler indicates a tag already has a handler registered.
var ErrDuplicateHandler = errors.New("sync handler already registered")

// Register stores the handler for the given sync tag.
func Register(tag string, handler Handler) error {
	key := normalizeTag(tag)
	if key == "" {
		return errors.New("sync tag required")
	}
	if handler == nil {
		return errors.New("sync handler required")
	}
	if _, loaded := registry.LoadOrStore(key, handler); loaded {
		return ErrDuplicateHandler
	}
	return nil
}

// MustRegister panics on registration failure.
func MustRegister(tag string, handler Handler) {
	if err := Register(tag, handler); err != nil {
		panic(err)
	}
}

// Fetch retrieves the handler associated with a tag.
func Fetch(tag string) (Handler, bool) {
	key := normalizeTag(tag)
	if key == "" {
		return nil, false
	}
	if value, ok := registry.Load(key); ok {
		if handler, ok := value.(Handler); ok {
			return handler, true
		}
	}
	return nil, false
}

// Resolve returns the registered handler or DefaultHandler.
func Resolve(tag string) Handler {
	if handler, ok := Fetch(tag); ok {
		return handler
	}
	return DefaultHandler
}

// Status returns handler registration status for a tag.
func Status(tag string) string {
	if _, ok := Fetch(tag); ok {
		return "registered"
	}
	return "default"
}

// Tags lists every registered tag in lexical order.
func Tags() []string {
	var tags []string
	registry.Range(func(key, _ any) bool {
		tags = append(tags, key.(string))
		return true
	})
	sort.Strings(tags)
	return tags
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
