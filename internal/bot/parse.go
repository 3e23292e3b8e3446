package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDArg extracts a numeric notice ID from a command argument string.
// A leading "#" is accepted.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("notice ID is required")
	}
	first := strings.TrimPrefix(strings.Fields(s)[0], "#")
	id, err := strconv.ParseInt(first, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid notice ID %q", s)
	}
	return id, nil
}
