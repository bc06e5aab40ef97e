package providers

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoadHSCodes reads the watched HS codes from path.
func LoadHSCodes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening HS code file: %w", err)
	}
	defer f.Close()
	return ParseHSCodes(f, slog.Default())
}

// ParseHSCodes reads one code per line. Blank lines and lines starting with
// '#' are ignored; anything that is not a six-digit code is logged and
// skipped. Duplicates keep their first position.
func ParseHSCodes(r io.Reader, logger *slog.Logger) ([]string, error) {
	var codes []string
	seen := make(map[string]bool)

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		code := strings.TrimSpace(sc.Text())
		if code == "" || strings.HasPrefix(code, "#") {
			continue
		}
		if !ValidHSCode(code) {
			logger.Warn("invalid HS code format", "line", line, "code", code)
			continue
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading HS codes: %w", err)
	}
	return codes, nil
}

// ValidHSCode reports whether code is a six-digit HS subheading.
func ValidHSCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
