package media

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/markconroy/markie-sub000/internal/automator"
)

// ReferenceWidth is the frame width the rasters are scaled to. Crop
// coordinates returned by a model are relative to it.
const ReferenceWidth = 640

var timestampRe = regexp.MustCompile(`^(\d{1,2}:\d{2}:\d{2}\.\d{2,3})$`)

// CleanTimestamp validates an h:mm:ss.ms timestamp before it reaches an
// ffmpeg argument list. Empty input is returned unchanged.
func CleanTimestamp(ts string) (string, error) {
	if ts == "" {
		return "", nil
	}
	if !timestampRe.MatchString(ts) {
		return "", automator.NewRequestError("the timestamp %q is not in the correct format", ts)
	}
	return ts, nil
}

// ParseTimestamp converts a clean timestamp into a duration.
func ParseTimestamp(ts string) (time.Duration, error) {
	clean, err := CleanTimestamp(ts)
	if err != nil {
		return 0, err
	}
	if clean == "" {
		return 0, automator.NewRequestError("empty timestamp")
	}
	parts := strings.Split(clean, ":")
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	s, _ := strconv.ParseFloat(parts[2], 64)
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	return d + time.Duration(math.Round(s*1000))*time.Millisecond, nil
}

// FormatTimestamp renders d as hh:mm:ss.mmm. Negative durations clamp to
// zero.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}

// ShiftTimestamp moves ts by offset, clamping at zero.
func ShiftTimestamp(ts string, offset time.Duration) (string, error) {
	d, err := ParseTimestamp(ts)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(d + offset), nil
}

// ScaleCrop converts x, y, width, height from the reference width to a
// video of the given native width.
func ScaleCrop(crop []float64, nativeWidth int) ([]int, error) {
	if len(crop) != 4 {
		return nil, automator.NewRequestError("the crop data is not in the correct format")
	}
	ratio := float64(nativeWidth) / ReferenceWidth
	out := make([]int, len(crop))
	for i, v := range crop {
		out[i] = int(math.Round(v * ratio))
	}
	return out, nil
}
