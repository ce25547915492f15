package modbuild

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StreamVersion packs a base module stream name into a six-digit decimal:
// up to three dot-separated numeric segments, two digits each, right padded
// with zeros. A leading alphabetic prefix on the first segment is stripped,
// so "f29.1.0" packs to 290100 and "f28" to 280000.
func StreamVersion(stream string) (int64, error) {
	segments := strings.SplitN(stream, ".", 3)

	first := strings.TrimLeftFunc(segments[0], func(r rune) bool {
		return r < '0' || r > '9'
	})
	if first == "" {
		return 0, fmt.Errorf("stream %q carries no version digits", stream)
	}
	segments[0] = first

	var packed int64
	for i := 0; i < 3; i++ {
		var part int64
		if i < len(segments) {
			n, err := strconv.ParseInt(segments[i], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("stream %q segment %q is not numeric", stream, segments[i])
			}
			if n < 0 || n > 99 {
				return 0, fmt.Errorf("stream %q segment %q out of range", stream, segments[i])
			}
			part = n
		}
		packed = packed*100 + part
	}
	return packed, nil
}

// PrefixVersion prepends the packed stream version of the buildrequired base
// module to a module's numeric version. The result must fit in 64 bits.
func PrefixVersion(version int64, streamVersion int64) (int64, error) {
	if version < 0 {
		return 0, fmt.Errorf("negative version %d", version)
	}
	combined := strconv.FormatInt(streamVersion, 10) + strconv.FormatInt(version, 10)
	prefixed, err := strconv.ParseInt(combined, 10, 64)
	if err != nil || prefixed > math.MaxInt64 {
		return 0, fmt.Errorf("version %d with stream prefix %d overflows 64 bits", version, streamVersion)
	}
	return prefixed, nil
}
