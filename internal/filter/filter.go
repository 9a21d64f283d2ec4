// Package filter decides which discovered URLs may enter the frontier.
package filter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Filter holds compiled exclude and include pattern sets. Patterns match the
// whole URL string.
type Filter struct {
	exclude []*regexp.Regexp
	include []*regexp.Regexp
}

// New compiles the given pattern lists. Invalid patterns are logged and
// skipped.
func New(exclude, include []string, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("filter")
	return &Filter{
		exclude: compile(exclude, "exclude", logger),
		include: compile(include, "include", logger),
	}
}

// LoadFiles reads newline-delimited pattern files. An empty path means an
// empty list; a path that cannot be opened is an error.
func LoadFiles(excludePath, includePath string, logger *zap.Logger) (*Filter, error) {
	exclude, err := readPatternFile(excludePath)
	if err != nil {
		return nil, fmt.Errorf("load exclude patterns: %w", err)
	}
	include, err := readPatternFile(includePath)
	if err != nil {
		return nil, fmt.Errorf("load include patterns: %w", err)
	}
	f := New(exclude, include, logger)
	if logger != nil {
		logger.Named("filter").Info("url filter loaded",
			zap.Int("exclude", len(f.exclude)),
			zap.Int("include", len(f.include)),
		)
	}
	return f, nil
}

// Matches reports whether rawURL matches no exclude pattern and either
// matches an include pattern or the include list is empty.
func (f *Filter) Matches(rawURL string) bool {
	for _, re := range f.exclude {
		if re.MatchString(rawURL) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func readPatternFile(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	// #nosec G304 -- pattern files are operator supplied.
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadPatterns(f)
}

// ReadPatterns returns the trimmed non-blank lines of r that do not start
// with '#'.
func ReadPatterns(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Join(errors.New("read patterns"), err)
	}
	return out, nil
}

func compile(patterns []string, kind string, logger *zap.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			logger.Warn("skipping invalid pattern",
				zap.String("kind", kind),
				zap.String("pattern", p),
				zap.Error(err),
			)
			continue
		}
		out = append(out, re)
	}
	return out
}
