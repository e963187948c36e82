// Package filter ranks candidates against ordered rule groups. A candidate
// matching group i gets priority 100-i; unmatched candidates get 0.
package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
)

// TopPriority is the priority of the first group
const TopPriority = 100

// Group is a conjunction of predicates. Empty predicates always hold.
type Group struct {
	Name          string   `json:"name,omitempty"`
	MinSizeGB     float64  `json:"min_size_gb,omitempty"`
	MaxSizeGB     float64  `json:"max_size_gb,omitempty"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	ResourcePix   []string `json:"resource_pix,omitempty"`
	VideoCodecs   []string `json:"video_codecs,omitempty"`
	AudioCodecs   []string `json:"audio_codecs,omitempty"`
	Teams         []string `json:"teams,omitempty"`
	ExcludeTeams  []string `json:"exclude_teams,omitempty"`
	FreeOnly      bool     `json:"free_only,omitempty"`
	MinSeeders    int      `json:"min_seeders,omitempty"`
	Include       string   `json:"include,omitempty"`
	Exclude       string   `json:"exclude,omitempty"`

	include *regexp.Regexp
	exclude *regexp.Regexp
}

// Rule is an ordered list of groups
type Rule struct {
	Name          string
	Groups        []Group
	KeepUnmatched bool
}

// Candidate is a context with its assigned priority
type Candidate struct {
	Context  *media.Context
	Priority int
	// Group is the index of the matched group, -1 when unmatched
	Group int
}

// Patterns are per-subscription include/exclude regexes applied before
// rule groups
type Patterns struct {
	Include string
	Exclude string
}

// NewRule compiles groups into a rule
func NewRule(name string, groups []Group, keepUnmatched bool) (*Rule, error) {
	r := &Rule{Name: name, KeepUnmatched: keepUnmatched, Groups: make([]Group, len(groups))}
	for i, g := range groups {
		var err error
		if g.Include != "" {
			if g.include, err = compile(g.Include); err != nil {
				return nil, errors.Wrap(err, errors.CodeInvalidInput, fmt.Sprintf("group %d include", i))
			}
		}
		if g.Exclude != "" {
			if g.exclude, err = compile(g.Exclude); err != nil {
				return nil, errors.Wrap(err, errors.CodeInvalidInput, fmt.Sprintf("group %d exclude", i))
			}
		}
		r.Groups[i] = g
	}
	return r, nil
}

// FromModel decodes a persisted rule
func FromModel(m *models.FilterRule) (*Rule, error) {
	var groups []Group
	if strings.TrimSpace(m.Groups) != "" {
		if err := json.Unmarshal([]byte(m.Groups), &groups); err != nil {
			return nil, errors.ParseError(fmt.Sprintf("filter rule %q has invalid groups", m.Name), err)
		}
	}
	return NewRule(m.Name, groups, m.KeepUnmatched)
}

// MaxPriority is the highest priority any candidate can reach. A rule
// without groups behaves as a single match-all group.
func (r *Rule) MaxPriority() int {
	return TopPriority
}

// Match returns the priority and group index of c
func (r *Rule) Match(c *media.Context) (int, int) {
	if r == nil || len(r.Groups) == 0 {
		return TopPriority, 0
	}
	for i := range r.Groups {
		if r.Groups[i].matches(c) {
			return TopPriority - i, i
		}
	}
	return 0, -1
}

func (g *Group) matches(c *media.Context) bool {
	t, m := c.Torrent, c.Meta
	if g.MinSeeders > 0 && t.Seeders < g.MinSeeders {
		return false
	}
	if g.FreeOnly && !t.Free() {
		return false
	}
	size := t.SizeGB()
	if g.MinSizeGB > 0 && size < g.MinSizeGB {
		return false
	}
	if g.MaxSizeGB > 0 && size > g.MaxSizeGB {
		return false
	}
	if len(g.ResourceTypes) > 0 && !anyToken(g.ResourceTypes, strings.Fields(m.Edition())) {
		return false
	}
	if len(g.ResourcePix) > 0 && !containsFold(g.ResourcePix, m.ResourcePix) {
		return false
	}
	if len(g.VideoCodecs) > 0 && !codecIn(g.VideoCodecs, m.VideoCodec) {
		return false
	}
	if len(g.AudioCodecs) > 0 && !anyToken(g.AudioCodecs, strings.Fields(m.AudioCodec)) {
		return false
	}
	if len(g.Teams) > 0 && !containsFold(g.Teams, m.ResourceTeam) {
		return false
	}
	if len(g.ExcludeTeams) > 0 && containsFold(g.ExcludeTeams, m.ResourceTeam) {
		return false
	}
	text := t.Title + " " + t.Description
	if g.exclude != nil && g.exclude.MatchString(text) {
		return false
	}
	if g.include != nil && !g.include.MatchString(text) {
		return false
	}
	return true
}

// midpoint is the centre of the group's size window in GiB, or -1
func (g *Group) midpoint() float64 {
	switch {
	case g.MinSizeGB > 0 && g.MaxSizeGB > 0:
		return (g.MinSizeGB + g.MaxSizeGB) / 2
	case g.MaxSizeGB > 0:
		return g.MaxSizeGB / 2
	}
	return -1
}

// Apply filters and ranks contexts. Subscription patterns run first, then
// rule groups. The result is ordered best first.
func Apply(contexts []*media.Context, rule *Rule, p Patterns) ([]Candidate, error) {
	include, err := compile(p.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := compile(p.Exclude)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(contexts))
	for _, c := range contexts {
		if c == nil || c.Torrent == nil {
			continue
		}
		text := c.Torrent.Title + " " + c.Torrent.Description
		if exclude != nil && exclude.MatchString(text) {
			continue
		}
		if include != nil && !include.MatchString(text) {
			continue
		}
		priority, group := rule.Match(c)
		if group < 0 && (rule == nil || !rule.KeepUnmatched) {
			continue
		}
		out = append(out, Candidate{Context: c, Priority: priority, Group: group})
	}
	Sort(out, rule)
	return out, nil
}

// Sort orders candidates by priority desc, then seeders desc, then size
// closest to the matched group's size window midpoint, then newest first.
func Sort(cands []Candidate, rule *Rule) {
	mid := func(c Candidate) float64 {
		if rule == nil || c.Group < 0 || c.Group >= len(rule.Groups) {
			return -1
		}
		return rule.Groups[c.Group].midpoint()
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ta, tb := a.Context.Torrent, b.Context.Torrent
		if ta.Seeders != tb.Seeders {
			return ta.Seeders > tb.Seeders
		}
		if m := mid(a); m >= 0 {
			da, db := math.Abs(ta.SizeGB()-m), math.Abs(tb.SizeGB()-mid(b))
			if da != db {
				return da < db
			}
		}
		return ta.PublishedAt.After(tb.PublishedAt)
	})
}

// ValidatePattern validates a regex pattern
func ValidatePattern(pattern string) error {
	_, err := compile(pattern)
	return err
}

// compile is case-insensitive; an empty pattern compiles to nil
func compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, fmt.Sprintf("invalid regex pattern %q", pattern))
	}
	return re, nil
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func anyToken(list []string, tokens []string) bool {
	for _, tok := range tokens {
		if containsFold(list, tok) {
			return true
		}
	}
	return false
}

var codecAliases = map[string]string{
	"x265": "h265", "hevc": "h265", "h265": "h265",
	"x264": "h264", "avc": "h264", "h264": "h264",
	"av1": "av1", "vp9": "vp9", "mpeg2": "mpeg2",
}

func codecKey(s string) string {
	k := strings.NewReplacer(".", "", "-", "", " ", "").Replace(strings.ToLower(s))
	if alias, ok := codecAliases[k]; ok {
		return alias
	}
	return k
}

func codecIn(list []string, v string) bool {
	if v == "" {
		return false
	}
	key := codecKey(v)
	for _, s := range list {
		if codecKey(s) == key {
			return true
		}
	}
	return false
}
