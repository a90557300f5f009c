// Copyright (c) OpenMMLab. All rights reserved.

package storage

import (
	"fmt"
	"strconv"
	"strings"
)

var severityNames = []string{"INFO", "WARNING", "ERROR", "CRITICAL"}

func SeverityName(s int32) string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return strconv.Itoa(int(s))
}

// ParseSeverity accepts a level name, case-insensitive, or its number.
func ParseSeverity(s string) (int32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SeverityInfo, nil
	}
	for i, name := range severityNames {
		if strings.EqualFold(s, name) {
			return int32(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= len(severityNames) {
		return 0, fmt.Errorf("unknown severity %q, want one of %s", s, strings.Join(severityNames, ", "))
	}
	return int32(n), nil
}
