package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/meta"
)

const maxSidecarSuffix = 5

var defaultSubtitleExtensions = []string{".srt", ".ass", ".ssa", ".sup", ".sub", ".idx", ".vtt"}

// Language tags given to placed subtitles
const (
	langSimplified  = ".chi.zh-cn"
	langTraditional = ".zh-tw"
	langEnglish     = ".eng"
)

var (
	simplifiedMarks  = []string{"zh-cn", "zh-hans", "chs", "sc", "gb", "简", "简体", "chi"}
	traditionalMarks = []string{"zh-tw", "zh-hk", "zh-hant", "cht", "tc", "big5", "繁", "繁体"}
	englishMarks     = []string{"en", "eng", "english"}
)

// sidecar is a subtitle or external audio file belonging to a primary file
type sidecar struct {
	path string
	// tag is the language tag, empty for audio tracks and unknown languages
	tag string
	ext string
}

// findSidecars returns the files next to primary that belong to it. A file
// belongs when its stem starts with the primary stem, or when it parses to
// the same name, season and episode.
func (p *Pipeline) findSidecars(primary string, m *meta.Meta) []sidecar {
	dir := filepath.Dir(primary)
	stem := strings.TrimSuffix(filepath.Base(primary), filepath.Ext(primary))

	var dirs = []string{dir}
	for _, sub := range []string{"subs", "Subs", "subtitles", "Subtitles"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err == nil && info.IsDir() {
			dirs = append(dirs, filepath.Join(dir, sub))
		}
	}

	var out []sidecar
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(d, entry.Name())
			if path == primary {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			isAudio := ext == ".mka"
			if !isAudio && !p.subtitleExts[ext] {
				continue
			}
			if !p.belongsTo(entry.Name(), stem, m) {
				continue
			}
			sc := sidecar{path: path, ext: ext}
			if !isAudio {
				sc.tag = languageTag(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
			}
			out = append(out, sc)
		}
	}
	return out
}

func (p *Pipeline) belongsTo(name, stem string, m *meta.Meta) bool {
	if sharesStem(name, stem) {
		return true
	}
	if m == nil || m.Name() == "" {
		return false
	}
	other := p.parser.Parse(strings.TrimSuffix(name, filepath.Ext(name)))
	if media.NormalizeTitle(other.Name()) != media.NormalizeTitle(m.Name()) {
		return false
	}
	if m.IsTV() {
		return other.SeasonNumber() == m.SeasonNumber() && other.Episode() == m.Episode()
	}
	return !other.IsTV()
}

// sharesStem reports whether name is stem followed by a separator, so
// "Show.S01E1.chs.srt" matches "Show.S01E1" but "Show.S01E10.srt" does not
func sharesStem(name, stem string) bool {
	lower, prefix := strings.ToLower(name), strings.ToLower(stem)
	if len(lower) <= len(prefix) || !strings.HasPrefix(lower, prefix) {
		return false
	}
	switch lower[len(prefix)] {
	case '.', '_', ' ', '[':
		return true
	}
	return false
}

// languageTag reads the language from the dotted or bracketed suffixes of a
// subtitle stem, e.g. "Movie.2020.chs" or "Movie [繁体]"
func languageTag(stem string) string {
	lower := strings.ToLower(stem)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		switch r {
		case '.', '_', ' ', '[', ']', '(', ')', '-':
			return true
		}
		return false
	})
	// zh-cn and friends contain the separator, check them on the raw string
	for _, mark := range []string{"zh-tw", "zh-hk", "zh-hant"} {
		if strings.Contains(lower, mark) {
			return langTraditional
		}
	}
	for _, mark := range []string{"zh-cn", "zh-hans"} {
		if strings.Contains(lower, mark) {
			return langSimplified
		}
	}

	// the last tokens carry the language; scan from the end
	for i := len(tokens) - 1; i >= 0 && i >= len(tokens)-3; i-- {
		tok := tokens[i]
		if containsMark(tok, traditionalMarks) {
			return langTraditional
		}
		if containsMark(tok, simplifiedMarks) {
			return langSimplified
		}
		if containsMark(tok, englishMarks) {
			return langEnglish
		}
	}
	return ""
}

func containsMark(tok string, marks []string) bool {
	for _, m := range marks {
		if tok == m {
			return true
		}
		// CJK marks may be glued to other characters
		if len(m) > 2 && m[0] >= 0x80 && strings.Contains(tok, m) {
			return true
		}
	}
	return false
}

// placeSidecars transfers the sidecars of a placed primary next to it.
// Failures are logged and never fail the primary.
func (p *Pipeline) placeSidecars(ctx context.Context, primarySrc, primaryDst string, m *meta.Meta) []string {
	dstStem := strings.TrimSuffix(primaryDst, filepath.Ext(primaryDst))
	var placed []string
	for _, sc := range p.findSidecars(primarySrc, m) {
		dst, ok := sidecarTarget(dstStem, sc)
		if !ok {
			p.log.WithFields(map[string]interface{}{
				"src":  sc.path,
				"dest": dstStem,
			}).Warn("sidecar target names exhausted, skipping")
			continue
		}
		if err := p.ops.Transfer(ctx, sc.path, dst, p.opts.Mode); err != nil {
			p.log.WithFields(map[string]interface{}{
				"src":  sc.path,
				"dest": dst,
			}).Error("sidecar transfer failed", err)
			continue
		}
		placed = append(placed, dst)
	}
	return placed
}

// sidecarTarget picks the first free name: stem+tag+ext, then .1 to .5
func sidecarTarget(dstStem string, sc sidecar) (string, bool) {
	for i := 0; i <= maxSidecarSuffix; i++ {
		suffix := ""
		if i > 0 {
			suffix = fmt.Sprintf(".%d", i)
		}
		candidate := dstStem + sc.tag + suffix + sc.ext
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, true
		}
	}
	return "", false
}
