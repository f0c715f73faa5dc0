package filestore

import (
	"strconv"
	"strings"
)

// EnsureUniqueFileName returns a variant of filename with a numeric
// disambiguator placed right before the extension:
//
//	a       -> a.1
//	a.js    -> a.1.js
//	a.1.js  -> a.2.js
//	a.x.js  -> a.x.1.js
//
// It performs a single step; the result may still be taken.
func EnsureUniqueFileName(filename string) string {
	parts := strings.Split(filename, ".")

	switch len(parts) {
	case 1:
		return parts[0] + ".1"
	case 2:
		return parts[0] + ".1." + parts[1]
	}

	ext := parts[len(parts)-1]
	num := parts[len(parts)-2]
	head := strings.Join(parts[:len(parts)-2], ".")

	if n, err := strconv.Atoi(num); err == nil {
		return head + "." + strconv.Itoa(n+1) + "." + ext
	}
	return head + "." + num + ".1." + ext
}

// UniqueName applies EnsureUniqueFileName until exists reports the name
// as free. A free name is returned unchanged.
func UniqueName(filename string, exists func(string) bool) string {
	for exists(filename) {
		filename = EnsureUniqueFileName(filename)
	}
	return filename
}
