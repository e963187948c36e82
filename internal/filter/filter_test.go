package filter

import (
	"testing"
	"time"

	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gb = int64(1) << 30

func ctx(title string, sizeGB int64, seeders int) *media.Context {
	return media.NewContext(&media.TorrentInfo{Title: title, Size: sizeGB * gb, Seeders: seeders, DownloadFactor: 1}, nil)
}

func mustRule(t *testing.T, groups ...Group) *Rule {
	t.Helper()
	r, err := NewRule("test", groups, false)
	require.NoError(t, err)
	return r
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"empty", "", false},
		{"simple", "^Dune", false},
		{"alternation", "(Remux|BluRay).*2160p", false},
		{"unclosed group", "^(Dune", true},
		{"bad escape", "\\k", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestRule_Match(t *testing.T) {
	rule := mustRule(t,
		Group{Name: "remux", ResourceTypes: []string{"Remux"}, ResourcePix: []string{"2160p", "1080p"}},
		Group{Name: "bluray x265", ResourceTypes: []string{"BluRay"}, VideoCodecs: []string{"HEVC"}},
		Group{Name: "web", ResourceTypes: []string{"WEB-DL"}, ExcludeTeams: []string{"YIFY"}},
		Group{Name: "free small", FreeOnly: true, MaxSizeGB: 5},
	)

	tests := []struct {
		name     string
		context  *media.Context
		priority int
		group    int
	}{
		{"remux is top", ctx("The.Godfather.Part.III.1990.1080p.BluRay.Remux", 30, 5), 100, 0},
		{"x265 alias matches hevc", ctx("Dune.2021.2160p.BluRay.x265-GRP", 20, 5), 99, 1},
		{"web", ctx("Dune.2021.1080p.WEB-DL.H264-NTb", 6, 5), 98, 2},
		{"excluded team falls through", ctx("Dune.2021.1080p.WEB-DL-YIFY", 2, 5), 0, -1},
		{"unmatched", ctx("Dune.2021.720p.HDTV", 2, 5), 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, g := rule.Match(tt.context)
			assert.Equal(t, tt.priority, p)
			assert.Equal(t, tt.group, g)
		})
	}

	free := ctx("Dune.2021.720p.HDTV", 2, 5)
	free.Torrent.DownloadFactor = 0
	p, _ := rule.Match(free)
	assert.Equal(t, 97, p)
}

func TestRule_EmptyMatchesAll(t *testing.T) {
	var nilRule *Rule
	p, g := nilRule.Match(ctx("anything", 1, 1))
	assert.Equal(t, TopPriority, p)
	assert.Equal(t, 0, g)
	assert.Equal(t, TopPriority, nilRule.MaxPriority())
	assert.Equal(t, TopPriority, mustRule(t).MaxPriority())
}

func TestApply_DropsUnmatchedUnlessKept(t *testing.T) {
	contexts := []*media.Context{
		ctx("Heat.1995.1080p.BluRay.Remux", 30, 1),
		ctx("Heat.1995.720p.HDTV", 2, 50),
	}
	rule := mustRule(t, Group{ResourceTypes: []string{"Remux"}})

	got, err := Apply(contexts, rule, Patterns{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100, got[0].Priority)

	rule.KeepUnmatched = true
	got, err = Apply(contexts, rule, Patterns{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[1].Priority)
}

func TestApply_SubscriptionPatterns(t *testing.T) {
	contexts := []*media.Context{
		ctx("Heat.1995.1080p.BluRay.Remux", 30, 1),
		ctx("Heat.1995.1080p.BluRay.HDR", 10, 1),
		ctx("Heat.1995.720p.BluRay", 4, 1),
	}

	got, err := Apply(contexts, nil, Patterns{Include: "1080p", Exclude: "remux"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Context.Torrent.Title, "HDR")

	_, err = Apply(contexts, nil, Patterns{Include: "("})
	assert.Error(t, err)
}

func TestSort_TieBreak(t *testing.T) {
	rule := mustRule(t, Group{MinSizeGB: 10, MaxSizeGB: 20})
	now := time.Now()

	mk := func(title string, size int64, seeders int, age time.Duration) *media.Context {
		c := ctx(title, size, seeders)
		c.Torrent.PublishedAt = now.Add(-age)
		return c
	}
	contexts := []*media.Context{
		mk("far from midpoint", 19, 10, 0),
		mk("more seeders", 11, 50, time.Hour),
		mk("older at midpoint", 15, 10, 2*time.Hour),
		mk("newer at midpoint", 15, 10, time.Hour),
	}

	got, err := Apply(contexts, rule, Patterns{})
	require.NoError(t, err)
	titles := make([]string, len(got))
	for i, c := range got {
		titles[i] = c.Context.Torrent.Title
	}
	assert.Equal(t, []string{"more seeders", "newer at midpoint", "older at midpoint", "far from midpoint"}, titles)
}

func TestFromModel(t *testing.T) {
	rule, err := FromModel(&models.FilterRule{
		Name:   "uhd",
		Groups: `[{"resource_pix":["2160p"]},{"resource_pix":["1080p"],"min_seeders":3}]`,
	})
	require.NoError(t, err)
	require.Len(t, rule.Groups, 2)
	assert.Equal(t, 3, rule.Groups[1].MinSeeders)

	_, err = FromModel(&models.FilterRule{Name: "broken", Groups: `{`})
	assert.Error(t, err)

	_, err = FromModel(&models.FilterRule{Name: "bad regex", Groups: `[{"include":"("}]`})
	assert.Error(t, err)
}
