// Package meta turns torrent titles and file names into a syntactic
// descriptor: names, year, season/episode ranges and release attributes.
// It performs no network lookups; see package media for recognition.
package meta

import (
	"fmt"
	"strings"

	"github.com/glefebvre/moviepilot/internal/models"
)

// Meta is what can be read from a title string alone
type Meta struct {
	Raw    string `json:"raw"`
	CNName string `json:"cn_name,omitempty"`
	ENName string `json:"en_name,omitempty"`
	Year   string `json:"year,omitempty"`

	// Type is tv when season or episode tokens were found, else unknown
	Type models.MediaType `json:"type,omitempty"`

	BeginSeason  *int `json:"begin_season,omitempty"`
	EndSeason    *int `json:"end_season,omitempty"`
	BeginEpisode *int `json:"begin_episode,omitempty"`
	EndEpisode   *int `json:"end_episode,omitempty"`

	Part           string `json:"part,omitempty"`
	ResourceType   string `json:"resource_type,omitempty"`
	ResourceEffect string `json:"resource_effect,omitempty"`
	ResourcePix    string `json:"resource_pix,omitempty"`
	ResourceTeam   string `json:"resource_team,omitempty"`
	VideoCodec     string `json:"video_codec,omitempty"`
	AudioCodec     string `json:"audio_codec,omitempty"`
	WebSource      string `json:"web_source,omitempty"`
	Customization  string `json:"customization,omitempty"`
	FileExt        string `json:"file_ext,omitempty"`
}

// Name returns the CJK name when present, else the latin name
func (m *Meta) Name() string {
	if m.CNName != "" {
		return m.CNName
	}
	return m.ENName
}

// Edition joins resource type and effects, e.g. "BluRay DoVi UHD"
func (m *Meta) Edition() string {
	return strings.TrimSpace(strings.Join(nonEmpty(m.ResourceType, m.ResourceEffect), " "))
}

// IsTV reports whether any season or episode token was seen
func (m *Meta) IsTV() bool {
	return m.BeginSeason != nil || m.BeginEpisode != nil
}

// SeasonNumber returns the first season, defaulting to 1 for episodic titles
func (m *Meta) SeasonNumber() int {
	if m.BeginSeason != nil {
		return *m.BeginSeason
	}
	if m.BeginEpisode != nil {
		return 1
	}
	return 0
}

// Seasons returns the season range as a list
func (m *Meta) Seasons() models.IntList {
	if m.BeginSeason == nil {
		if m.BeginEpisode != nil {
			return models.IntList{1}
		}
		return nil
	}
	end := *m.BeginSeason
	if m.EndSeason != nil {
		end = *m.EndSeason
	}
	return models.EpisodeRange(*m.BeginSeason, end)
}

// Episodes returns the episode range as a list; empty for whole seasons
func (m *Meta) Episodes() models.IntList {
	if m.BeginEpisode == nil {
		return nil
	}
	end := *m.BeginEpisode
	if m.EndEpisode != nil {
		end = *m.EndEpisode
	}
	return models.EpisodeRange(*m.BeginEpisode, end)
}

// Season renders "S01" or "S01-S02"
func (m *Meta) Season() string {
	if m.BeginSeason == nil {
		if m.BeginEpisode != nil {
			return "S01"
		}
		return ""
	}
	if m.EndSeason != nil && *m.EndSeason != *m.BeginSeason {
		return fmt.Sprintf("S%02d-S%02d", *m.BeginSeason, *m.EndSeason)
	}
	return fmt.Sprintf("S%02d", *m.BeginSeason)
}

// Episode renders "E05" or "E05-E07"
func (m *Meta) Episode() string {
	if m.BeginEpisode == nil {
		return ""
	}
	if m.EndEpisode != nil && *m.EndEpisode != *m.BeginEpisode {
		return fmt.Sprintf("E%02d-E%02d", *m.BeginEpisode, *m.EndEpisode)
	}
	return fmt.Sprintf("E%02d", *m.BeginEpisode)
}

// SeasonEpisode renders "S01E05", "S01E05-E07" or just the season
func (m *Meta) SeasonEpisode() string {
	return m.Season() + m.Episode()
}

// Merge fills empty fields of m from other. Used to complete a file name
// with what its parent directories say.
func (m *Meta) Merge(other *Meta) {
	if other == nil {
		return
	}
	if m.CNName == "" && m.ENName == "" {
		m.CNName = other.CNName
		m.ENName = other.ENName
	}
	if m.Year == "" {
		m.Year = other.Year
	}
	if m.BeginSeason == nil && other.BeginSeason != nil {
		m.BeginSeason = other.BeginSeason
		m.EndSeason = other.EndSeason
	}
	if m.BeginEpisode == nil && other.BeginEpisode != nil {
		m.BeginEpisode = other.BeginEpisode
		m.EndEpisode = other.EndEpisode
	}
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&m.Part, other.Part)
	fill(&m.ResourceType, other.ResourceType)
	fill(&m.ResourceEffect, other.ResourceEffect)
	fill(&m.ResourcePix, other.ResourcePix)
	fill(&m.ResourceTeam, other.ResourceTeam)
	fill(&m.VideoCodec, other.VideoCodec)
	fill(&m.AudioCodec, other.AudioCodec)
	fill(&m.WebSource, other.WebSource)
	fill(&m.Customization, other.Customization)
	if m.IsTV() {
		m.Type = models.MediaTypeTV
	}
}

func nonEmpty(values ...string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intPtr(v int) *int {
	return &v
}
