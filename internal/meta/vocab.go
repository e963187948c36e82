package meta

import (
	"regexp"
	"strings"
)

// Canonical spellings, keyed by lower-cased token
var (
	resourceTypes = map[string]string{
		"bluray":  "BluRay",
		"blu-ray": "BluRay",
		"bdrip":   "BDRip",
		"brrip":   "BRRip",
		"remux":   "Remux",
		"bdremux": "Remux",
		"web-dl":  "WEB-DL",
		"webdl":   "WEB-DL",
		"web":     "WEB",
		"webrip":  "WEBRip",
		"hdtv":    "HDTV",
		"hdrip":   "HDRip",
		"dvdrip":  "DVDRip",
		"dvd":     "DVD",
		"tvrip":   "TVRip",
	}

	resourceEffects = map[string]string{
		"uhd":         "UHD",
		"3d":          "3D",
		"hdr":         "HDR",
		"hdr10":       "HDR10",
		"hdr10+":      "HDR10+",
		"dovi":        "DoVi",
		"dv":          "DoVi",
		"dolbyvision": "DoVi",
		"hlg":         "HLG",
		"sdr":         "SDR",
		"imax":        "IMAX",
		"extended":    "Extended",
		"unrated":     "Unrated",
		"remastered":  "Remastered",
		"criterion":   "Criterion",
		"60fps":       "60FPS",
	}

	videoCodecs = map[string]string{
		"x264":  "x264",
		"x265":  "x265",
		"h264":  "H264",
		"h265":  "H265",
		"hevc":  "HEVC",
		"avc":   "AVC",
		"av1":   "AV1",
		"vp9":   "VP9",
		"mpeg2": "MPEG2",
		"10bit": "10bit",
		"8bit":  "8bit",
		"hi10p": "Hi10P",
	}

	webSources = map[string]string{
		"amzn":   "AMZN",
		"nf":     "NF",
		"dsnp":   "DSNP",
		"atvp":   "ATVP",
		"hmax":   "HMAX",
		"hulu":   "HULU",
		"pcok":   "PCOK",
		"itunes": "iTunes",
		"baha":   "Baha",
		"cr":     "CR",
	}

	noiseTokens = map[string]bool{
		"complete": true, "proper": true, "repack": true, "internal": true,
		"limited": true, "multi": true, "multisub": true, "subs": true,
		"chs": true, "cht": true, "gb": true, "big5": true, "hq": true,
		"minibd": true, "全集": true, "中英字幕": true, "国语": true,
		"中字": true, "简繁": true, "双语": true, "国粤双语": true,
	}
)

var (
	reAudio      = regexp.MustCompile(`(?i)^(DDP|DD\+|DD|E-?AC-?3|AC-?3|AAC|DTS-HD-MA|DTS-HD|DTS-X|DTSHD|DTS|TrueHD|Atmos|FLAC|LPCM|Opus|MP3)(\d_\d)?$`)
	rePix        = regexp.MustCompile(`(?i)^(\d{3,4})[pi]$`)
	rePixK       = regexp.MustCompile(`(?i)^([248])k$`)
	rePixDims    = regexp.MustCompile(`(?i)^\d{3,4}x(\d{3,4})$`)
	reYear       = regexp.MustCompile(`^(19\d{2}|20\d{2})$`)
	reSeasonEp   = regexp.MustCompile(`(?i)^S(\d{1,3})(?:-S?(\d{1,3}))?(?:E(\d{1,4})(?:-E?(\d{1,4}))?)?$`)
	reEpisodeTok = regexp.MustCompile(`(?i)^EP?(\d{1,4})(?:-E?P?(\d{1,4}))?$`)
	reCrossEp    = regexp.MustCompile(`(?i)^(\d{1,2})x(\d{1,3})$`)
	rePartTok    = regexp.MustCompile(`(?i)^(?:part([A-D]|\d{1,2}|[IVX]{1,4})|(CD|DISC|DISK|DVD)(\d{1,2}))$`)
	reRoman      = regexp.MustCompile(`^(?:[A-D]|\d{1,2}|[IVX]{1,4})$`)
	reNumber     = regexp.MustCompile(`^\d{1,4}$`)
	reTeamSuffix = regexp.MustCompile(`^(.+)-([A-Za-z0-9@&]*[A-Za-z][A-Za-z0-9@&]*)$`)
	reHasUpper   = regexp.MustCompile(`\p{Lu}`)
	reCJK        = regexp.MustCompile(`\p{Han}|\p{Hiragana}|\p{Katakana}|\p{Hangul}`)
)

// Rewrites applied to the whole string before tokenising
var (
	reH26x         = regexp.MustCompile(`(?i)\bH\.(26[45])\b`)
	reChannels     = regexp.MustCompile(`(?i)\b(DDP|DD\+|DD|E-?AC-?3|AC-?3|AAC|DTS-HD[\s.]MA|DTS-HD|DTS-X|DTS|TrueHD|Atmos|FLAC|LPCM|Opus)[\s.]?(\d)\.(\d)`)
	reLeadTeam     = regexp.MustCompile(`^\s*[\[【]([^\]】]{1,30})[\]】]`)
	reCNSeason     = regexp.MustCompile(`第\s*([0-9一二三四五六七八九十百零]+)\s*季`)
	reCNEpRange    = regexp.MustCompile(`第\s*(\d{1,4})\s*[-~至到]\s*(\d{1,4})\s*[集话話]`)
	reCNEpisode    = regexp.MustCompile(`第\s*([0-9一二三四五六七八九十百零]+)\s*[集话話期]`)
	reCNTotal      = regexp.MustCompile(`全\s*\d+\s*[集话話]|\d+\s*[集话話]全`)
	reSeasonWord   = regexp.MustCompile(`(?i)\bSeason[\s._]*(\d{1,3})(?:[\s._]*-[\s._]*(\d{1,3}))?\b`)
	reEpisodeWord  = regexp.MustCompile(`(?i)\bEpisode[\s._]*(\d{1,4})\b`)
	reAnimeEpisode = regexp.MustCompile(`\s-\s(\d{1,4})(?:v\d)?(\s|\[|$)`)
	reSplit        = regexp.MustCompile(`[\s._\[\]()【】「」《》,，]+`)
)

func lookup(table map[string]string, tok string) (string, bool) {
	v, ok := table[strings.ToLower(tok)]
	return v, ok
}

// isKnownToken reports whether tok is release vocabulary rather than a name word
func isKnownToken(tok string) bool {
	lower := strings.ToLower(tok)
	if _, ok := resourceTypes[lower]; ok {
		return true
	}
	if _, ok := resourceEffects[lower]; ok {
		return true
	}
	if _, ok := videoCodecs[lower]; ok {
		return true
	}
	if _, ok := webSources[lower]; ok {
		return true
	}
	return reAudio.MatchString(tok) || pixOf(tok) != ""
}

// pixOf returns the normalised resolution of tok, or ""
func pixOf(tok string) string {
	if m := rePix.FindStringSubmatch(tok); m != nil {
		return m[1] + "p"
	}
	if m := rePixK.FindStringSubmatch(tok); m != nil {
		switch m[1] {
		case "4":
			return "2160p"
		case "8":
			return "4320p"
		default:
			return "1440p"
		}
	}
	if m := rePixDims.FindStringSubmatch(tok); m != nil {
		return m[1] + "p"
	}
	return ""
}

func audioOf(tok string) string {
	m := reAudio.FindStringSubmatch(tok)
	if m == nil {
		return ""
	}
	name := strings.ToUpper(m[1])
	switch strings.ToLower(m[1]) {
	case "truehd":
		name = "TrueHD"
	case "atmos":
		name = "Atmos"
	case "opus":
		name = "Opus"
	case "dtshd":
		name = "DTS-HD"
	case "dts-hd-ma":
		name = "DTS-HD MA"
	}
	if m[2] != "" {
		return name + " " + strings.Replace(m[2], "_", ".", 1)
	}
	return name
}

var cnDigits = map[rune]int{
	'零': 0, '一': 1, '二': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// cnNumber converts "12", "十二" or "二十三" to an int; 0 when unparsable
func cnNumber(s string) int {
	n := 0
	isDigits := true
	for _, r := range s {
		if r < '0' || r > '9' {
			isDigits = false
			break
		}
		n = n*10 + int(r-'0')
	}
	if isDigits {
		return n
	}

	total, cur := 0, 0
	for _, r := range s {
		switch {
		case r == '十':
			if cur == 0 {
				cur = 1
			}
			total += cur * 10
			cur = 0
		case r == '百':
			if cur == 0 {
				cur = 1
			}
			total += cur * 100
			cur = 0
		default:
			d, ok := cnDigits[r]
			if !ok {
				return 0
			}
			cur = d
		}
	}
	return total + cur
}
