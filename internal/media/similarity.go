package media

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/mozillazg/go-unidecode"
)

var normalizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\(\d{4}\)`),
	regexp.MustCompile(`\[\d{4}\]`),
	regexp.MustCompile(`\b(720p|1080p|2160p|4k|uhd|bluray|web-dl|webrip|hdtv)\b`),
	regexp.MustCompile(`\b(x264|x265|h264|h265|hevc)\b`),
	regexp.MustCompile(`[_\-.:·]`),
}

// NormalizeTitle folds a title to lower-case ASCII words without
// punctuation, so "Amélie" and "amelie" or "流浪地球" and its pinyin compare equal.
func NormalizeTitle(title string) string {
	title = strings.ToLower(unidecode.Unidecode(title))
	for _, re := range normalizePatterns {
		title = re.ReplaceAllString(title, " ")
	}
	title = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, title)
	return strings.Join(strings.Fields(title), " ")
}

// Similarity returns 1 - levenshtein/maxlen over normalised titles
func Similarity(a, b string) float64 {
	s1, s2 := NormalizeTitle(a), NormalizeTitle(b)
	if s1 == s2 {
		if s1 == "" {
			return 0
		}
		return 1
	}
	if s1 == "" || s2 == "" {
		return 0
	}
	r1, r2 := []rune(s1), []rune(s2)
	longest := len(r1)
	if len(r2) > longest {
		longest = len(r2)
	}
	return 1 - float64(levenshtein(r1, r2))/float64(longest)
}

func levenshtein(s1, s2 []rune) int {
	prev := make([]int, len(s2)+1)
	cur := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s1); i++ {
		cur[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(s2)]
}
