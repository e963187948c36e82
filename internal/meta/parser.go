package meta

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/moistari/rls"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Options tunes a Parser
type Options struct {
	// CustomWords are tokens copied into Meta.Customization when seen
	CustomWords []string
	// MediaExtensions are stripped from file names; lower-case with dot
	MediaExtensions []string
}

// Parser runs the title cascade. It is safe for concurrent use.
type Parser struct {
	custom map[string]string
	exts   map[string]bool
	title  cases.Caser
}

// NewParser builds a parser
func NewParser(opts Options) *Parser {
	p := &Parser{
		custom: make(map[string]string, len(opts.CustomWords)),
		exts:   make(map[string]bool),
		title:  cases.Title(language.Und, cases.NoLower),
	}
	for _, w := range opts.CustomWords {
		p.custom[strings.ToLower(w)] = w
	}
	exts := opts.MediaExtensions
	if len(exts) == 0 {
		exts = defaultExtensions
	}
	for _, e := range exts {
		p.exts[strings.ToLower(e)] = true
	}
	return p
}

var defaultExtensions = []string{
	".mp4", ".mkv", ".ts", ".iso", ".rmvb", ".avi", ".mov", ".mpeg", ".mpg",
	".wmv", ".3gp", ".asf", ".m4v", ".flv", ".m2ts", ".strm",
	".srt", ".ass", ".ssa", ".sup", ".mka",
}

var defaultParser = NewParser(Options{})

// Parse parses a torrent or directory title with default options
func Parse(title string) *Meta {
	return defaultParser.Parse(title)
}

// ParseFile parses a file path with default options
func ParseFile(path string) *Meta {
	return defaultParser.ParseFile(path)
}

// ParseFile parses the base name of path and completes missing fields from
// the parent directories, e.g. "Show (2020)/Season 1/E05.mkv".
func (p *Parser) ParseFile(path string) *Meta {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if p.exts[ext] {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	} else {
		ext = ""
	}

	m := p.Parse(base)
	m.Raw = filepath.Base(path)
	m.FileExt = ext

	dir := filepath.Dir(path)
	for depth := 0; depth < 2 && dir != "." && dir != string(filepath.Separator) && dir != ""; depth++ {
		if m.Name() != "" && m.BeginSeason != nil && m.Year != "" {
			break
		}
		parent := p.Parse(filepath.Base(dir))
		m.Merge(parent)
		dir = filepath.Dir(dir)
	}
	return m
}

// walker carries the state of one token walk
type walker struct {
	p    *Parser
	m    *Meta
	cn   []string
	en   []string
	last *[]string // list that received the previous name token

	nameDone     bool
	stoppedByYr  bool
	prevWasYear  bool
	seasonOnly   bool
	types        []string
	effects      []string
	videoCodecs  []string
	audioCodecs  []string
	customWords  []string
	nameTokenCnt int
}

// Parse runs the cascade over title
func (p *Parser) Parse(title string) *Meta {
	m := &Meta{Raw: title}
	s := strings.TrimSpace(title)
	if s == "" {
		return m
	}

	// a leading bracket is a fansub or release group
	if g := reLeadTeam.FindStringSubmatch(s); g != nil && !reSeasonEp.MatchString(g[1]) && !reNumber.MatchString(g[1]) {
		m.ResourceTeam = strings.TrimSpace(g[1])
		s = s[len(g[0]):]
	}

	s = rewrite(s)

	w := &walker{p: p, m: m}
	tokens := reSplit.Split(s, -1)
	for i := 0; i < len(tokens); i++ {
		tok := strings.TrimSpace(tokens[i])
		if tok == "" || strings.Trim(tok, "-~+&") == "" {
			continue
		}
		var next string
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}
		if w.token(tok, next) {
			i++
		}
	}
	w.finish()

	if m.ResourceTeam == "" {
		if r := rls.ParseString(title); r.Group != "" && !strings.ContainsAny(r.Group, " .") {
			m.ResourceTeam = r.Group
		}
	}
	return m
}

// rewrite normalises spellings that would otherwise be split apart
func rewrite(s string) string {
	s = reCNEpRange.ReplaceAllStringFunc(s, func(x string) string {
		g := reCNEpRange.FindStringSubmatch(x)
		return fmt.Sprintf(" E%02d-E%02d ", cnNumber(g[1]), cnNumber(g[2]))
	})
	s = reCNEpisode.ReplaceAllStringFunc(s, func(x string) string {
		g := reCNEpisode.FindStringSubmatch(x)
		return fmt.Sprintf(" E%02d ", cnNumber(g[1]))
	})
	s = reCNSeason.ReplaceAllStringFunc(s, func(x string) string {
		g := reCNSeason.FindStringSubmatch(x)
		return fmt.Sprintf(" S%02d ", cnNumber(g[1]))
	})
	s = reCNTotal.ReplaceAllString(s, " ")
	s = reSeasonWord.ReplaceAllStringFunc(s, func(x string) string {
		g := reSeasonWord.FindStringSubmatch(x)
		if g[2] != "" {
			return fmt.Sprintf(" S%s-S%s ", g[1], g[2])
		}
		return fmt.Sprintf(" S%s ", g[1])
	})
	s = reEpisodeWord.ReplaceAllString(s, " E$1 ")
	s = reAnimeEpisode.ReplaceAllString(s, " E$1 $2")
	s = reH26x.ReplaceAllString(s, "H$1")
	s = reChannels.ReplaceAllStringFunc(s, func(x string) string {
		g := reChannels.FindStringSubmatch(x)
		codec := strings.NewReplacer(" ", "-", ".", "-").Replace(g[1])
		return codec + g[2] + "_" + g[3]
	})
	return s
}

// token classifies one token. It returns true when next was consumed too.
func (w *walker) token(tok, next string) bool {
	m := w.m
	yearToken := false
	defer func() { w.prevWasYear = yearToken }()

	if m.ResourceTeam == "" && !isKnownToken(tok) {
		if g := reTeamSuffix.FindStringSubmatch(tok); g != nil && isKnownToken(g[1]) {
			m.ResourceTeam = g[2]
			tok = g[1]
		}
	}

	if g := reSeasonEp.FindStringSubmatch(tok); g != nil {
		w.setSeason(g[1], g[2])
		if g[3] != "" {
			w.setEpisode(g[3], g[4])
		} else {
			w.seasonOnly = true
		}
		w.stop()
		return false
	}
	if g := reEpisodeTok.FindStringSubmatch(tok); g != nil {
		w.setEpisode(g[1], g[2])
		w.stop()
		return false
	}
	if g := reCrossEp.FindStringSubmatch(tok); g != nil && w.nameTokenCnt > 0 && pixOf(tok) == "" {
		w.setSeason(g[1], "")
		w.setEpisode(g[2], "")
		w.stop()
		return false
	}

	// nothing but season or episode markers may end an empty name
	if w.nameTokenCnt == 0 && !w.nameDone {
		w.addName(tok)
		return false
	}

	if reYear.MatchString(tok) {
		switch {
		case m.Year == "":
			m.Year = tok
			if !w.nameDone {
				w.stoppedByYr = true
			}
			w.nameDone = true
			yearToken = true
			return false
		case w.prevWasYear && w.stoppedByYr:
			// "Blade Runner 2049 2017": the first year belongs to the name
			w.appendName(m.Year)
			m.Year = tok
			yearToken = true
			return false
		}
	}

	if pix := pixOf(tok); pix != "" {
		if m.ResourcePix == "" {
			m.ResourcePix = pix
		}
		w.stop()
		return false
	}
	if v, ok := lookup(resourceTypes, tok); ok {
		w.types = appendUnique(w.types, v)
		w.stop()
		return false
	}
	if v, ok := lookup(resourceEffects, tok); ok {
		w.effects = appendUnique(w.effects, v)
		w.stop()
		return false
	}
	if v, ok := lookup(videoCodecs, tok); ok {
		w.videoCodecs = appendUnique(w.videoCodecs, v)
		w.stop()
		return false
	}
	if a := audioOf(tok); a != "" {
		w.audioCodecs = appendUnique(w.audioCodecs, a)
		w.stop()
		return false
	}
	if v, ok := lookup(webSources, tok); ok {
		if m.WebSource == "" {
			m.WebSource = v
		}
		w.stop()
		return false
	}
	if v, ok := w.p.custom[strings.ToLower(tok)]; ok {
		w.customWords = appendUnique(w.customWords, v)
		w.stop()
		return false
	}
	if noiseTokens[strings.ToLower(tok)] {
		w.stop()
		return false
	}

	part, consumed := partOf(tok, next)
	if w.nameDone {
		if part != "" {
			if m.Part == "" {
				m.Part = part
			}
			return consumed
		}
		if w.seasonOnly && m.BeginEpisode == nil && reNumber.MatchString(tok) && !reYear.MatchString(tok) {
			w.setEpisode(tok, "")
		}
		return false
	}

	// "Part III" inside the title stays part of the name
	w.addName(tok)
	if consumed {
		w.addName(strings.TrimSpace(next))
	}
	return consumed
}

// partOf recognises "PartA", "Part III", "CD2"
func partOf(tok, next string) (string, bool) {
	if g := rePartTok.FindStringSubmatch(tok); g != nil {
		if g[1] != "" {
			return "Part" + strings.ToUpper(g[1]), false
		}
		return strings.ToUpper(g[2]) + g[3], false
	}
	if strings.EqualFold(tok, "part") && reRoman.MatchString(strings.TrimSpace(next)) {
		return "Part " + strings.ToUpper(strings.TrimSpace(next)), true
	}
	return "", false
}

func (w *walker) addName(tok string) {
	if reCJK.MatchString(tok) {
		w.cn = append(w.cn, tok)
		w.last = &w.cn
	} else if reNumber.MatchString(tok) && w.last != nil {
		*w.last = append(*w.last, tok)
	} else {
		w.en = append(w.en, tok)
		w.last = &w.en
	}
	w.nameTokenCnt++
}

func (w *walker) appendName(tok string) {
	if w.last == nil {
		w.last = &w.en
	}
	*w.last = append(*w.last, tok)
	w.nameTokenCnt++
}

func (w *walker) stop() {
	w.nameDone = true
	w.stoppedByYr = false
}

func (w *walker) setSeason(begin, end string) {
	if w.m.BeginSeason != nil {
		return
	}
	b := atoi(begin)
	w.m.BeginSeason = intPtr(b)
	if end != "" {
		if e := atoi(end); e > b {
			w.m.EndSeason = intPtr(e)
		}
	}
}

func (w *walker) setEpisode(begin, end string) {
	if w.m.BeginEpisode != nil {
		return
	}
	b := atoi(begin)
	w.m.BeginEpisode = intPtr(b)
	if end != "" {
		if e := atoi(end); e > b {
			w.m.EndEpisode = intPtr(e)
		}
	}
	w.seasonOnly = false
}

func (w *walker) finish() {
	m := w.m
	m.CNName = strings.TrimSpace(strings.Join(w.cn, " "))
	m.ENName = w.cleanLatin(strings.Join(w.en, " "))
	m.ResourceType = strings.Join(w.types, " ")
	m.ResourceEffect = strings.Join(w.effects, " ")
	m.VideoCodec = strings.Join(w.videoCodecs, " ")
	m.AudioCodec = strings.Join(w.audioCodecs, " ")
	m.Customization = strings.Join(w.customWords, " ")
	if m.IsTV() {
		m.Type = models.MediaTypeTV
	}
}

var reSpaces = regexp.MustCompile(`\s+`)

// cleanLatin trims separators and title-cases names written all lower-case
func (w *walker) cleanLatin(name string) string {
	name = strings.Trim(reSpaces.ReplaceAllString(name, " "), " -")
	if name == "" || reHasUpper.MatchString(name) {
		return name
	}
	return w.p.title.String(name)
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
