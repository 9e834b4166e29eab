package workflow

import (
	"fmt"
	"regexp"
	"strconv"
)

// GenerateCode produces the next human-readable code for a prefix given the
// codes already in use: one greater than the highest numeric suffix among
// codes matching ^{prefix}-(\d+)$, zero-padded to at least three digits.
// Pure and deterministic; serializing concurrent generations for the same
// prefix is the caller's job.
func GenerateCode(prefix string, existing []string) string {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `-(\d+)$`)
	max := 0
	for _, code := range existing {
		m := re.FindStringSubmatch(code)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%03d", prefix, max+1)
}
