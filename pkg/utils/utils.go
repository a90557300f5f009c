// Copyright (c) OpenMMLab. All rights reserved.

// Package utils holds small helpers shared by the oamix-run subcommands.
package utils

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"oamix/logger"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var numberReg = regexp.MustCompile(`\d+`)

// CleanUTF8 drops a leading BOM and replaces invalid UTF-8 sequences, tailed
// log lines may be cut in the middle of a multi-byte rune.
func CleanUTF8(s string) string {
	utf8bom := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	result, _, err := transform.String(utf8bom, s)
	if err != nil {
		logger.Logger.Warn("failed to clean UTF-8 string", zap.Error(err))
		return s
	}
	return result
}

// FormatTime renders t as RFC3339, empty for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Extract numeric part from string (e.g., extract 123 from "rank123")
func ExtractNumber(s string) (int, error) {
	numStr := numberReg.FindString(s)
	if numStr == "" {
		return 0, fmt.Errorf("no numbers in string: %s", s)
	}
	return strconv.Atoi(numStr)
}

// CompareRank orders rank names by their numeric part. Names without a
// number sort after numbered ones, by name.
func CompareRank(a, b string) int {
	numA, errA := ExtractNumber(a)
	numB, errB := ExtractNumber(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	case numA < numB:
		return -1
	case numA > numB:
		return 1
	}
	return strings.Compare(a, b)
}

// AppendWithTimestamp appends data as a new line of logDir/filename,
// creating both when missing.
func AppendWithTimestamp(logDir string, filename string, data []byte) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	fullPath := filepath.Join(logDir, filename)
	file, err := os.OpenFile(fullPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON data: %w", err)
	}

	return nil
}

// TimestampedName returns "<prefix>_<YYYYmmdd_HHMMSS>.json".
func TimestampedName(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%s.json", prefix, now.Format("20060102_150405"))
}

// ReadAddressListFromFile reads one node address per line, skipping blank
// lines and lines starting with '#'.
func ReadAddressListFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("unable to open node list file: %w", err)
	}
	defer file.Close()

	var addressList []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addressList = append(addressList, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading node list file: %w", err)
	}

	if len(addressList) == 0 {
		return nil, fmt.Errorf("node list file is empty or malformed")
	}

	return addressList, nil
}
