package meta

import (
	"path/filepath"
	"testing"

	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expected struct {
	cn, en, year       string
	season, episode    string
	resType, pix, team string
	video, audio       string
	part, edition, web string
	tv                 bool
}

func TestParse_Corpus(t *testing.T) {
	tests := []struct {
		title string
		want  expected
	}{
		{
			title: "The.Mandalorian.S01-S02.2160p.WEB-DL.DDP5.1.H.265-NTb",
			want: expected{en: "The Mandalorian", season: "S01-S02", pix: "2160p", resType: "WEB-DL",
				audio: "DDP 5.1", video: "H265", team: "NTb", edition: "WEB-DL", tv: true},
		},
		{
			title: "Doctor.Who.S01E13-14.1080p.BluRay.x264",
			want:  expected{en: "Doctor Who", season: "S01", episode: "E13-E14", pix: "1080p", resType: "BluRay", video: "x264", edition: "BluRay", tv: true},
		},
		{
			title: "凡人修仙传 第 11 集 4K",
			want:  expected{cn: "凡人修仙传", season: "S01", episode: "E11", pix: "2160p", tv: true},
		},
		{
			title: "庆余年 第二季 第 3 集 1080p",
			want:  expected{cn: "庆余年", season: "S02", episode: "E03", pix: "1080p", tv: true},
		},
		{
			title: "24.S01E01.720p.HDTV",
			want:  expected{en: "24", season: "S01", episode: "E01", pix: "720p", resType: "HDTV", edition: "HDTV", tv: true},
		},
		{
			title: "9-1-1.S02E05.1080p.WEB",
			want:  expected{en: "9-1-1", season: "S02", episode: "E05", pix: "1080p", resType: "WEB", edition: "WEB", tv: true},
		},
		{
			title: "The.355.2022.1080p.WEB-DL",
			want:  expected{en: "The 355", year: "2022", pix: "1080p", resType: "WEB-DL", edition: "WEB-DL"},
		},
		{
			title: "Blade.Runner.2049.2017.1080p.BluRay",
			want:  expected{en: "Blade Runner 2049", year: "2017", pix: "1080p", resType: "BluRay", edition: "BluRay"},
		},
		{
			title: "Pokemon.Movie.2019.PartA.1080p",
			want:  expected{en: "Pokemon Movie", year: "2019", pix: "1080p", part: "PartA"},
		},
		{
			title: "The.Godfather.Part.III.1990.1080p.BluRay.Remux",
			want:  expected{en: "The Godfather Part III", year: "1990", pix: "1080p", resType: "BluRay Remux", edition: "BluRay Remux"},
		},
		{
			title: "Detective.Conan.E229.1080p",
			want:  expected{en: "Detective Conan", season: "S01", episode: "E229", pix: "1080p", tv: true},
		},
		{
			title: "One.Piece.E1000.1080p.WEB-DL.AAC.AVC",
			want: expected{en: "One Piece", season: "S01", episode: "E1000", pix: "1080p", resType: "WEB-DL",
				audio: "AAC", video: "AVC", edition: "WEB-DL", tv: true},
		},
		{
			title: "流浪地球2 The Wandering Earth II 2023 2160p",
			want:  expected{cn: "流浪地球2", en: "The Wandering Earth II", year: "2023", pix: "2160p"},
		},
		{
			title: "Avatar.2009.BluRay.3D.1080p",
			want:  expected{en: "Avatar", year: "2009", pix: "1080p", resType: "BluRay", edition: "BluRay 3D"},
		},
		{
			title: "Dune.2021.2160p.BluRay.DoVi.UHD.x265-GROUP",
			want:  expected{en: "Dune", year: "2021", pix: "2160p", resType: "BluRay", video: "x265", team: "GROUP", edition: "BluRay DoVi UHD"},
		},
		{
			title: "Heat.1995.1080p.BluRay.DTS-HD.MA.5.1.x264-GRP",
			want:  expected{en: "Heat", year: "1995", pix: "1080p", resType: "BluRay", audio: "DTS-HD MA 5.1", video: "x264", team: "GRP", edition: "BluRay"},
		},
		{
			title: "Friends Season 3 Episode 5 720p",
			want:  expected{en: "Friends", season: "S03", episode: "E05", pix: "720p", tv: true},
		},
		{
			title: "Severance.S02.1080p.ATVP.WEB-DL",
			want:  expected{en: "Severance", season: "S02", pix: "1080p", resType: "WEB-DL", web: "ATVP", edition: "WEB-DL", tv: true},
		},
		{
			title: "random.blob.2024",
			want:  expected{en: "Random Blob", year: "2024"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			m := Parse(tt.title)
			w := tt.want
			assert.Equal(t, tt.title, m.Raw)
			assert.Equal(t, w.cn, m.CNName, "cn name")
			assert.Equal(t, w.en, m.ENName, "en name")
			assert.Equal(t, w.year, m.Year, "year")
			assert.Equal(t, w.season, m.Season(), "season")
			assert.Equal(t, w.episode, m.Episode(), "episode")
			assert.Equal(t, w.pix, m.ResourcePix, "pix")
			assert.Equal(t, w.resType, m.ResourceType, "resource type")
			assert.Equal(t, w.edition, m.Edition(), "edition")
			assert.Equal(t, w.video, m.VideoCodec, "video codec")
			assert.Equal(t, w.audio, m.AudioCodec, "audio codec")
			assert.Equal(t, w.part, m.Part, "part")
			assert.Equal(t, w.web, m.WebSource, "web source")
			if w.team != "" {
				assert.Equal(t, w.team, m.ResourceTeam, "team")
			}
			if w.tv {
				assert.Equal(t, models.MediaTypeTV, m.Type)
			} else {
				assert.Equal(t, models.MediaTypeUnknown, m.Type)
			}
		})
	}
}

func TestParse_LeadingGroupAndAnimeEpisode(t *testing.T) {
	m := ParseFile("[ANi] Frieren - 05 [1080p][Baha][WEB-DL][AAC AVC][CHT].mp4")

	assert.Equal(t, "ANi", m.ResourceTeam)
	assert.Equal(t, "Frieren", m.ENName)
	assert.Equal(t, "E05", m.Episode())
	assert.Equal(t, "1080p", m.ResourcePix)
	assert.Equal(t, "Baha", m.WebSource)
	assert.Equal(t, ".mp4", m.FileExt)
	assert.Equal(t, 1, m.SeasonNumber())
}

func TestParse_EpisodeRanges(t *testing.T) {
	m := Parse("Show.S01E05-E07.720p")
	assert.Equal(t, models.IntList{5, 6, 7}, m.Episodes())
	assert.Equal(t, models.IntList{1}, m.Seasons())
	assert.Equal(t, "S01E05-E07", m.SeasonEpisode())

	m = Parse("Show.S01-S03.1080p")
	assert.Equal(t, models.IntList{1, 2, 3}, m.Seasons())
	assert.Empty(t, m.Episodes())

	m = Parse("Rick.and.Morty.S06E00.1080p.WEB-DL")
	require.NotNil(t, m.BeginEpisode)
	assert.Equal(t, models.IntList{0}, m.Episodes(), "a special is episode 0, not a season pack")
}

func TestParse_CustomWords(t *testing.T) {
	p := NewParser(Options{CustomWords: []string{"HDCTV"}})
	m := p.Parse("Movie.2020.1080p.HDCTV")
	assert.Equal(t, "Movie", m.ENName)
	assert.Equal(t, "HDCTV", m.Customization)
}

func TestParse_EmptyTitle(t *testing.T) {
	m := Parse("   ")
	assert.Empty(t, m.Name())
	assert.False(t, m.IsTV())
}

func TestParseFile_MergesParentDirectories(t *testing.T) {
	path := filepath.Join("library", "Rick and Morty (2013)", "Season 6", "E05.mkv")
	m := ParseFile(path)

	assert.Equal(t, "Rick and Morty", m.ENName)
	assert.Equal(t, "2013", m.Year)
	assert.Equal(t, "S06E05", m.SeasonEpisode())
	assert.Equal(t, ".mkv", m.FileExt)
	assert.Equal(t, "E05.mkv", m.Raw)
}

// Paths produced by the default rename formats parse back to the same
// name, year, season and episode.
func TestParseFile_RenderedPathsRoundTrip(t *testing.T) {
	tests := []struct {
		path    string
		name    string
		year    string
		season  int
		episode string
	}{
		{path: "Dune (2021)/Dune (2021) - 2160p.mkv", name: "Dune", year: "2021"},
		{path: "The Godfather Part III (1990)/The Godfather Part III (1990) - 1080p.mkv", name: "The Godfather Part III", year: "1990"},
		{path: "Rick and Morty (2013)/Season 6/Rick and Morty - S06E05.mkv", name: "Rick and Morty", year: "2013", season: 6, episode: "E05"},
		{path: "9-1-1 (2018)/Season 2/9-1-1 - S02E10.mkv", name: "9-1-1", year: "2018", season: 2, episode: "E10"},
		{path: "庆余年 (2019)/Season 2/庆余年 - S02E03.mkv", name: "庆余年", year: "2019", season: 2, episode: "E03"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m := ParseFile(filepath.FromSlash(tt.path))
			assert.Equal(t, tt.name, m.Name())
			assert.Equal(t, tt.year, m.Year)
			assert.Equal(t, tt.season, m.SeasonNumber())
			assert.Equal(t, tt.episode, m.Episode())
		})
	}
}

func TestMerge_KeepsOwnValues(t *testing.T) {
	m := Parse("E05.1080p")
	m.Merge(Parse("Show.S02.2020.720p.BluRay"))

	assert.Equal(t, "Show", m.ENName)
	assert.Equal(t, "S02E05", m.SeasonEpisode())
	assert.Equal(t, "1080p", m.ResourcePix)
	assert.Equal(t, "BluRay", m.ResourceType)
	assert.Equal(t, models.MediaTypeTV, m.Type)

	require.NotPanics(t, func() { m.Merge(nil) })
}

func TestCNNumber(t *testing.T) {
	tests := map[string]int{"12": 12, "三": 3, "十": 10, "十二": 12, "二十三": 23, "一百零五": 105, "abc": 0}
	for in, want := range tests {
		assert.Equal(t, want, cnNumber(in), in)
	}
}
