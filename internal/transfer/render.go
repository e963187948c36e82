package transfer

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/media"
	"github.com/glefebvre/moviepilot/internal/meta"
	"github.com/glefebvre/moviepilot/internal/models"
)

// Renderer expands rename templates such as
//
//	{{title}}{% if year %} ({{year}}){% endif %}/{{title}}{{fileExt}}
//
// Variables are substituted with `{{name}}`; `{% if name %}`, `{% else %}`
// and `{% endif %}` blocks nest. A variable is true when it is non-empty
// and not "0". Substituted values never introduce path separators.
type Renderer struct {
	nodes []node
}

type node struct {
	text     string
	variable string
	cond     string
	then     []node
	otherw   []node
}

// NewRenderer compiles a template
func NewRenderer(tmpl string) (*Renderer, error) {
	p := &templateParser{src: tmpl}
	nodes, end, err := p.parse()
	if err != nil {
		return nil, err
	}
	if end != "" {
		return nil, errors.New(errors.CodeConfig, fmt.Sprintf("unexpected {%% %s %%} in rename template", end))
	}
	return &Renderer{nodes: nodes}, nil
}

// Render expands the template over dict and returns a cleaned relative path
func (r *Renderer) Render(dict map[string]string) string {
	var b strings.Builder
	renderNodes(&b, r.nodes, dict)

	segments := strings.Split(b.String(), "/")
	out := segments[:0]
	for _, s := range segments {
		s = strings.TrimSpace(s)
		s = strings.TrimRight(s, ". ")
		if s != "" {
			out = append(out, s)
		}
	}
	return filepath.Join(out...)
}

func renderNodes(b *strings.Builder, nodes []node, dict map[string]string) {
	for _, n := range nodes {
		switch {
		case n.cond != "":
			if truthy(dict[n.cond]) {
				renderNodes(b, n.then, dict)
			} else {
				renderNodes(b, n.otherw, dict)
			}
		case n.variable != "":
			b.WriteString(sanitizeFilename(dict[n.variable]))
		default:
			b.WriteString(n.text)
		}
	}
}

func truthy(v string) bool {
	return v != "" && v != "0"
}

type templateParser struct {
	src string
	pos int
}

// parse reads nodes until the end of input or an else/endif tag, which is
// returned so the enclosing if can consume it
func (p *templateParser) parse() ([]node, string, error) {
	var nodes []node
	for p.pos < len(p.src) {
		rest := p.src[p.pos:]
		v := strings.Index(rest, "{{")
		t := strings.Index(rest, "{%")
		next := v
		if next < 0 || (t >= 0 && t < next) {
			next = t
		}
		if next < 0 {
			nodes = append(nodes, node{text: rest})
			p.pos = len(p.src)
			break
		}
		if next > 0 {
			nodes = append(nodes, node{text: rest[:next]})
			p.pos += next
			continue
		}

		if strings.HasPrefix(rest, "{{") {
			end := strings.Index(rest, "}}")
			if end < 0 {
				return nil, "", errors.New(errors.CodeConfig, "unterminated {{ in rename template")
			}
			nodes = append(nodes, node{variable: strings.TrimSpace(rest[2:end])})
			p.pos += end + 2
			continue
		}

		end := strings.Index(rest, "%}")
		if end < 0 {
			return nil, "", errors.New(errors.CodeConfig, "unterminated {% in rename template")
		}
		fields := strings.Fields(rest[2:end])
		p.pos += end + 2
		if len(fields) == 0 {
			return nil, "", errors.New(errors.CodeConfig, "empty tag in rename template")
		}
		switch fields[0] {
		case "if":
			if len(fields) != 2 {
				return nil, "", errors.New(errors.CodeConfig, "if takes exactly one variable in rename template")
			}
			n := node{cond: fields[1]}
			then, tag, err := p.parse()
			if err != nil {
				return nil, "", err
			}
			n.then = then
			if tag == "else" {
				if n.otherw, tag, err = p.parse(); err != nil {
					return nil, "", err
				}
			}
			if tag != "endif" {
				return nil, "", errors.New(errors.CodeConfig, "missing {% endif %} in rename template")
			}
			nodes = append(nodes, n)
		case "else", "endif":
			return nodes, fields[0], nil
		default:
			return nil, "", errors.New(errors.CodeConfig, fmt.Sprintf("unknown tag %q in rename template", fields[0]))
		}
	}
	return nodes, "", nil
}

// NamingDict builds the template variables for one file
func NamingDict(m *meta.Meta, info *media.MediaInfo, episodeTitle, fileExt string) map[string]string {
	dict := map[string]string{
		"title":          info.Title,
		"original_title": info.OriginalTitle,
		"name":           info.Title,
		"year":           info.Year,
		"tmdbid":         "",
		"imdbid":         info.IMDBID,
		"original_name":  "",
		"fileExt":        fileExt,
		"episode_title":  episodeTitle,
		"season":         "",
		"episode":        "",
		"season_episode": "",
	}
	if info.TMDBID > 0 {
		dict["tmdbid"] = strconv.Itoa(info.TMDBID)
	}
	if dict["year"] == "" && m != nil {
		dict["year"] = m.Year
	}
	if m == nil {
		return dict
	}

	dict["original_name"] = strings.TrimSuffix(filepath.Base(m.Raw), filepath.Ext(m.Raw))
	dict["resourceType"] = m.ResourceType
	dict["effect"] = m.ResourceEffect
	dict["edition"] = m.Edition()
	dict["videoFormat"] = m.ResourcePix
	dict["releaseGroup"] = m.ResourceTeam
	dict["videoCodec"] = m.VideoCodec
	dict["audioCodec"] = m.AudioCodec
	dict["part"] = m.Part
	dict["customization"] = m.Customization
	dict["webSource"] = m.WebSource

	if info.Type == models.MediaTypeTV {
		season := m.SeasonNumber()
		if season == 0 {
			season = info.Season
		}
		if season == 0 {
			season = 1
		}
		dict["season"] = strconv.Itoa(season)
		eps := m.Episodes()
		se := fmt.Sprintf("S%02d", season)
		if len(eps) > 0 {
			dict["episode"] = strconv.Itoa(eps[0])
			se += fmt.Sprintf("E%02d", eps[0])
			if last := eps[len(eps)-1]; last != eps[0] {
				se += fmt.Sprintf("-E%02d", last)
			}
		}
		dict["season_episode"] = se
	}
	return dict
}
