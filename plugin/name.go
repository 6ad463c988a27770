package plugin

import (
	"reflect"
	"regexp"
	"strings"
)

var (
	lowerUpper = regexp.MustCompile(`([a-z\d])([A-Z])`)
	acronym    = regexp.MustCompile(`([A-Z]+)([A-Z][a-z\d]+)`)
)

// Decamelize converts a CamelCase identifier to lower kebab case:
// "DeviceModel" becomes "device-model" and "HTTPServer" "http-server".
func Decamelize(s string) string {
	s = lowerUpper.ReplaceAllString(s, "${1}-${2}")
	s = acronym.ReplaceAllString(s, "${1}-${2}")
	return strings.ToLower(s)
}

// NameOf derives a plugin name from the dynamic type of v. Pointers are
// followed, so NameOf(&DeviceModel{}) is "device-model".
func NameOf(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return Decamelize(t.Name())
}
