package engine

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeTOC turns a raw per-source chapter list into the canonical one:
// noise entries dropped, duplicates removed in three passes (url equality,
// detected chapter number equality, near-identical titles), entries ordered
// by detected chapter number with unnumbered entries trailing in original
// order, and Order reassigned contiguously from 1.
//
// Nothing here guesses at "latest chapters" blocks; if a site's front links
// pollute the list the fix belongs in the rule's selector, not in the
// normalizer.
func NormalizeTOC(raw []Chapter) []Chapter {
	entries := make([]tocEntry, 0, len(raw))
	for i, ch := range raw {
		title := strings.TrimSpace(ch.Title)
		if title == "" || !validChapterURL(ch.URL) || noiseTitle(title) {
			continue
		}
		num, hasNum := detectChapterNumber(title)
		entries = append(entries, tocEntry{
			chapter:  Chapter{Title: title, URL: ch.URL},
			original: i,
			number:   num,
			numbered: hasNum,
		})
	}

	entries = dedupeByURL(entries)
	entries = dedupeByNumber(entries)
	entries = dedupeBySimilarity(entries)

	// Numbered entries ascending by number; unnumbered keep their original
	// relative order after the numbered block.
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.numbered && b.numbered:
			return a.number < b.number
		case a.numbered != b.numbered:
			return a.numbered
		default:
			return a.original < b.original
		}
	})

	out := make([]Chapter, len(entries))
	for i, e := range entries {
		e.chapter.Order = i + 1
		out[i] = e.chapter
	}
	return out
}

type tocEntry struct {
	chapter  Chapter
	original int
	number   float64
	numbered bool
}

var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^第$`),
	regexp.MustCompile(`^章$`),
	regexp.MustCompile(`目录`),
	regexp.MustCompile(`返回`),
	regexp.MustCompile(`上一页`),
	regexp.MustCompile(`下一页`),
	regexp.MustCompile(`^\d+$`),
}

// noiseTitle reports whether the title is navigation text, a bare number or
// pure punctuation rather than a chapter name.
func noiseTitle(title string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(title) {
			return true
		}
	}
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return false
		}
	}
	return true // only punctuation/symbols
}

func validChapterURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}

var chapterNumberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`第\s*([0-9０-９一二三四五六七八九十百千零两]+)\s*[章节回集话]`),
	regexp.MustCompile(`^卷?\s*(\d+(?:\.\d+)?)\s*[.、:：\s]`),
	regexp.MustCompile(`^(\d+(?:\.\d+)?)$`),
}

// detectChapterNumber extracts a chapter number from titles like
// "第12章 …", "第一百零三章 …", "12. …" or "卷 3 …".
func detectChapterNumber(title string) (float64, bool) {
	for _, p := range chapterNumberPatterns {
		if m := p.FindStringSubmatch(title); m != nil {
			if n, ok := parseNumeral(m[1]); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// parseNumeral handles arabic digits (including fullwidth) and the common
// Chinese numerals used in chapter headings.
func parseNumeral(s string) (float64, bool) {
	ascii := strings.Map(func(r rune) rune {
		if r >= '０' && r <= '９' {
			return r - '０' + '0'
		}
		return r
	}, s)
	if n, err := strconv.ParseFloat(ascii, 64); err == nil {
		return n, true
	}
	return parseChineseNumeral(ascii)
}

var cnDigits = map[rune]int{
	'零': 0, '一': 1, '两': 2, '二': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

var cnUnits = map[rune]int{'十': 10, '百': 100, '千': 1000}

func parseChineseNumeral(s string) (float64, bool) {
	total, current := 0, 0
	seen := false
	for _, r := range s {
		if d, ok := cnDigits[r]; ok {
			current = d
			seen = true
			continue
		}
		if unit, ok := cnUnits[r]; ok {
			if current == 0 {
				current = 1 // 十三 = 13
			}
			total += current * unit
			current = 0
			seen = true
			continue
		}
		return 0, false
	}
	if !seen {
		return 0, false
	}
	return float64(total + current), true
}

// dedupeByURL keeps, among entries sharing a URL, the one with the most
// canonical title.
func dedupeByURL(entries []tocEntry) []tocEntry {
	best := make(map[string]int, len(entries))
	var out []tocEntry
	for _, e := range entries {
		if idx, ok := best[e.chapter.URL]; ok {
			if titleQuality(e) > titleQuality(out[idx]) {
				out[idx] = e
			}
			continue
		}
		best[e.chapter.URL] = len(out)
		out = append(out, e)
	}
	return out
}

// dedupeByNumber keeps the best-titled entry per detected chapter number.
// Unnumbered entries pass through untouched.
func dedupeByNumber(entries []tocEntry) []tocEntry {
	best := make(map[float64]int, len(entries))
	var out []tocEntry
	for _, e := range entries {
		if !e.numbered {
			out = append(out, e)
			continue
		}
		if idx, ok := best[e.number]; ok {
			if titleQuality(e) > titleQuality(out[idx]) {
				out[idx] = e
			}
			continue
		}
		best[e.number] = len(out)
		out = append(out, e)
	}
	return out
}

// dedupeBySimilarity drops later entries whose titles are near-identical
// (normalized similarity >= 0.9) to an earlier one. Quadratic, but TOCs are
// thousands of entries at worst and comparisons bail early on length.
func dedupeBySimilarity(entries []tocEntry) []tocEntry {
	const threshold = 0.9
	var out []tocEntry
	kept := make([][]rune, 0, len(entries))
	for _, e := range entries {
		title := []rune(normalizeText(e.chapter.Title))
		dup := false
		for _, prev := range kept {
			if titleSimilarity(title, prev) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, title)
		out = append(out, e)
	}
	return out
}

// titleQuality ranks competing titles for the same chapter: a detected
// number beats none, then longer titles, then fewer non-word characters.
func titleQuality(e tocEntry) int {
	q := 0
	if e.numbered {
		q += 1000
	}
	q += len([]rune(e.chapter.Title)) * 2
	for _, r := range e.chapter.Title {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.IsSpace(r) {
			q--
		}
	}
	return q
}

// titleSimilarity is 1 - levenshtein/maxLen over normalized rune slices.
func titleSimilarity(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	// Length gap alone can rule out the threshold.
	diff := len(a) - len(b)
	if diff < 0 {
		diff = -diff
	}
	if float64(longer-diff)/float64(longer) < 0.9 {
		return 0
	}
	return 1 - float64(levenshtein(a, b))/float64(longer)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
