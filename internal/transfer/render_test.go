package transfer

import (
	"path/filepath"
	"testing"

	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		dict map[string]string
		want string
	}{
		{
			name: "plain substitution",
			tmpl: "{{title}} ({{year}})/{{title}}{{fileExt}}",
			dict: map[string]string{"title": "Heat", "year": "1995", "fileExt": ".mkv"},
			want: "Heat (1995)/Heat.mkv",
		},
		{
			name: "false condition drops block",
			tmpl: "{{title}}{% if year %} ({{year}}){% endif %}{{fileExt}}",
			dict: map[string]string{"title": "Heat", "fileExt": ".mkv"},
			want: "Heat.mkv",
		},
		{
			name: "else branch",
			tmpl: "{% if part %}{{part}}{% else %}single{% endif %}",
			dict: map[string]string{},
			want: "single",
		},
		{
			name: "nested conditions",
			tmpl: "{% if a %}A{% if b %}B{% else %}-{% endif %}{% endif %}",
			dict: map[string]string{"a": "1", "b": "0"},
			want: "A-",
		},
		{
			name: "values cannot add directories",
			tmpl: "{{title}}/{{title}}{{fileExt}}",
			dict: map[string]string{"title": "AC/DC: Live", "fileExt": ".mkv"},
			want: "AC_DC_ Live/AC_DC_ Live.mkv",
		},
		{
			name: "empty segments and trailing dots are dropped",
			tmpl: "{{collection}}/{{title}}./{{title}}{{fileExt}}",
			dict: map[string]string{"title": "Heat", "fileExt": ".mkv"},
			want: "Heat/Heat.mkv",
		},
		{
			name: "whitespace inside tags",
			tmpl: "{{ title }}{%  if year  %} {{ year }}{% endif %}",
			dict: map[string]string{"title": "Heat", "year": "1995"},
			want: "Heat 1995",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRenderer(tt.tmpl)
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), r.Render(tt.dict))
		})
	}
}

func TestNewRenderer_Errors(t *testing.T) {
	for _, tmpl := range []string{
		"{{title",
		"{% if year %}{{year}}",
		"{% endif %}",
		"{% for x in y %}{% endfor %}",
		"{% if %}{% endif %}",
		"{% %}",
	} {
		t.Run(tmpl, func(t *testing.T) {
			_, err := NewRenderer(tmpl)
			assert.Error(t, err)
		})
	}
}

func TestNamingDict(t *testing.T) {
	m := meta.ParseFile("Rick.and.Morty.S06E07-E08.2160p.WEB-DL.H265.mkv")
	info := &media.MediaInfo{
		Type:          models.MediaTypeTV,
		Title:         "Rick and Morty",
		OriginalTitle: "Rick and Morty",
		Year:          "2013",
		TMDBID:        60625,
		IMDBID:        "tt2861424",
	}

	dict := NamingDict(m, info, "", ".mkv")
	assert.Equal(t, "Rick and Morty", dict["title"])
	assert.Equal(t, "2013", dict["year"])
	assert.Equal(t, "6", dict["season"])
	assert.Equal(t, "7", dict["episode"])
	assert.Equal(t, "S06E07-E08", dict["season_episode"])
	assert.Equal(t, "60625", dict["tmdbid"])
	assert.Equal(t, "tt2861424", dict["imdbid"])
	assert.Equal(t, "2160p", dict["videoFormat"])
	assert.Equal(t, ".mkv", dict["fileExt"])
	assert.Equal(t, "Rick.and.Morty.S06E07-E08.2160p.WEB-DL.H265", dict["original_name"])
}

func TestNamingDict_Movie(t *testing.T) {
	info := &media.MediaInfo{Type: models.MediaTypeMovie, Title: "Heat", Year: "1995"}
	dict := NamingDict(meta.ParseFile("Heat.1995.1080p.BluRay.mkv"), info, "", ".mkv")
	assert.Empty(t, dict["season"])
	assert.Empty(t, dict["season_episode"])
	assert.Equal(t, "1080p", dict["videoFormat"])
}

// A rendered default path parses back to the work it was rendered from
func TestRenderThenParse(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		source  string
		info    *media.MediaInfo
		season  int
		episode models.IntList
	}{
		{
			name:   "movie",
			format: defaultMovieFormat,
			source: "Heat.1995.1080p.BluRay.mkv",
			info:   &media.MediaInfo{Type: models.MediaTypeMovie, Title: "Heat", Year: "1995"},
		},
		{
			name:    "tv episode",
			format:  defaultTVFormat,
			source:  "Dark.S01E03.1080p.WEB-DL.mkv",
			info:    &media.MediaInfo{Type: models.MediaTypeTV, Title: "Dark", Year: "2017"},
			season:  1,
			episode: models.IntList{3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRenderer(tt.format)
			require.NoError(t, err)
			rendered := r.Render(NamingDict(meta.ParseFile(tt.source), tt.info, "", ".mkv"))

			back := meta.ParseFile(rendered)
			assert.Equal(t, tt.info.Title, back.Name())
			assert.Equal(t, tt.info.Year, back.Year)
			assert.Equal(t, tt.season, back.SeasonNumber())
			assert.Equal(t, tt.episode, back.Episodes())
		})
	}
}
