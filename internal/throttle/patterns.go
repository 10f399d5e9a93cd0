package throttle

import (
	"bufio"
	"log/slog"
	"os"
	"regexp"
)

// LoadPatterns reads a pattern file: UTF-8 text, one regular expression per
// line. Lines that fail to compile are logged and skipped; a missing or
// unreadable file yields an empty list so the strategy degrades to having
// no opinion.
func LoadPatterns(path string) []*regexp.Regexp {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Patterns file not found, ignoring", "path", path)
		} else {
			slog.Warn("Failed reading patterns file", "path", path, "error", err)
		}
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Failed reading patterns file", "path", path, "error", err)
	}

	patterns := LoadPatternsFromLines(lines)
	slog.Info("Loaded patterns", "count", len(patterns), "path", path)
	return patterns
}

// LoadPatternsFromLines compiles one pattern per line in single-line mode,
// so . matches newlines -- multi-line SPARQL queries need that. Empty lines
// and lines that fail to compile are skipped, the latter with a warning.
func LoadPatternsFromLines(lines []string) []*regexp.Regexp {
	var patterns []*regexp.Regexp
	for _, line := range lines {
		if line == "" {
			continue
		}
		p, err := regexp.Compile("(?s)" + line)
		if err != nil {
			slog.Warn("Invalid pattern", "pattern", line, "error", err)
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns
}
