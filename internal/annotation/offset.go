package annotation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrOffsetParse is returned when an image reference carries no time offset.
var ErrOffsetParse = errors.New("annotation: no time offset in image reference")

var offsetPattern = regexp.MustCompile(`_T(\d+)`)

// ParseTimeOffset returns the time index at which the image starts, read
// from the first "_T<digits>" token of the file name, e.g.
// "survey_T300000-310000_Z0--1_Sv-90--50.png" → 300000.
func ParseTimeOffset(ref string) (int, error) {
	m := offsetPattern.FindStringSubmatch(ImageName(ref))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrOffsetParse, ref)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrOffsetParse, ref, err)
	}
	return n, nil
}

// ImageName strips the directory from an image reference. Both slash styles
// are accepted since records written on Windows use backslashes.
func ImageName(ref string) string {
	return ref[strings.LastIndexAny(ref, `/\`)+1:]
}
