package subscribe

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/spf13/afero"
)

var defaultVideoExtensions = []string{
	".mp4", ".mkv", ".ts", ".iso", ".rmvb", ".avi", ".mov", ".mpeg", ".mpg",
	".wmv", ".m4v", ".flv", ".m2ts", ".strm",
}

// LibraryScanner finds works already placed under the library roots
type LibraryScanner struct {
	fs            afero.Fs
	roots         []string
	exts          map[string]bool
	parser        *meta.Parser
	minSimilarity float64
}

// NewLibraryScanner creates a scanner over fs. An empty extension list
// falls back to the common video containers.
func NewLibraryScanner(fs afero.Fs, roots, extensions []string, minSimilarity float64) *LibraryScanner {
	if len(extensions) == 0 {
		extensions = defaultVideoExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}
	return &LibraryScanner{
		fs:            fs,
		roots:         roots,
		exts:          exts,
		parser:        meta.NewParser(meta.Options{MediaExtensions: extensions}),
		minSimilarity: minSimilarity,
	}
}

// Episodes returns the episodes of one season found for a show
func (l *LibraryScanner) Episodes(titles []string, season int) models.IntList {
	var out models.IntList
	l.walk(func(m *meta.Meta) {
		if !m.IsTV() || m.SeasonNumber() != season || !l.sameWork(m, titles) {
			return
		}
		out = append(out, m.Episodes()...)
	})
	return out.Sorted()
}

// MovieExists reports whether a movie file for the work is present
func (l *LibraryScanner) MovieExists(titles []string, year string) bool {
	found := false
	l.walk(func(m *meta.Meta) {
		if found || m.IsTV() || !l.sameWork(m, titles) {
			return
		}
		found = yearsClose(m.Year, year)
	})
	return found
}

func (l *LibraryScanner) walk(fn func(m *meta.Meta)) {
	if l == nil || l.fs == nil {
		return
	}
	for _, root := range l.roots {
		err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() || !l.exts[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			fn(l.parser.ParseFile(rel))
			return nil
		})
		if err != nil {
			logger.AppLogger().WithField("root", root).Warn("library scan failed: " + err.Error())
		}
	}
}

func (l *LibraryScanner) sameWork(m *meta.Meta, titles []string) bool {
	return titleMatches([]string{m.CNName, m.ENName}, titles, l.minSimilarity)
}

// titleMatches reports whether any parsed name is close to any known title
func titleMatches(names, titles []string, min float64) bool {
	for _, n := range names {
		if n == "" {
			continue
		}
		for _, t := range titles {
			if t != "" && media.Similarity(n, t) >= min {
				return true
			}
		}
	}
	return false
}

// yearsClose accepts a one year drift between release and library years
func yearsClose(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return a == b
	}
	d := x - y
	return d >= -1 && d <= 1
}
