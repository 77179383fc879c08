package catalog

import (
	"strconv"
	"strings"
)

// ParseMagiskVersion converts a minimum Magisk version to its integer form.
// "X.Y" becomes X*1000 + Y*100, a plain integer is used as is, and anything
// unparseable yields 0.
func ParseMagiskVersion(value string) int {
	dot := strings.IndexByte(value, '.')
	if dot == -1 {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0
		}
		return n
	}
	major, err := strconv.Atoi(value[:dot])
	if err != nil {
		return 0
	}
	minor, err := strconv.Atoi(value[dot+1:])
	if err != nil {
		return 0
	}
	return major*1000 + minor*100
}
