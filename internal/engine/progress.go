package engine

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// scanProgress parses ffmpeg -progress output (key=value lines) and reports
// monotonically increasing whole percentages through report. The reader is
// drained to EOF even when reporting is disabled so ffmpeg never blocks
// writing its progress pipe.
func scanProgress(r io.Reader, totalUS int64, report func(int)) {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "out_time_us=")
		if !ok || report == nil || totalUS <= 0 {
			continue
		}
		// Early progress records may carry "N/A".
		us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		pct := progressPercent(us, totalUS)
		if pct <= last {
			continue
		}
		last = pct
		report(pct)
	}
}

// progressPercent converts elapsed output time to a whole percentage,
// clamped to [0,99]. 100 is reserved for completion.
func progressPercent(outTimeUS, totalUS int64) int {
	if totalUS <= 0 || outTimeUS <= 0 {
		return 0
	}
	pct := int(outTimeUS * 100 / totalUS)
	if pct > 99 {
		pct = 99
	}
	return pct
}
