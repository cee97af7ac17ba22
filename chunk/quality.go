package chunk

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Quality is the coarse score attached to a chunk.
type Quality string

const (
	High   Quality = "high"
	Medium Quality = "medium"
	Low    Quality = "low"
)

// Scoring thresholds.
const (
	ShortChars      = 50
	MinMeaningful   = 5
	meaningfulRunes = 3
)

var boilerplate = regexp.MustCompile(`(?i)(cookie|privacy policy|all rights reserved|copyright|©|\bloading\b|accept all|terms of (use|service)|enable javascript|subscribe to our newsletter)`)

// Score rates text and lists the reasons it was downgraded.
func Score(text string) (Quality, []string) {
	if len(text) < ShortChars {
		return Low, []string{"too_short"}
	}
	q := High
	var issues []string
	if MeaningfulWords(text) < MinMeaningful {
		q = downgrade(q)
		issues = append(issues, "few_meaningful_words")
	}
	if boilerplate.MatchString(text) {
		q = downgrade(q)
		issues = append(issues, "boilerplate")
	}
	return q, issues
}

func downgrade(q Quality) Quality {
	if q == High {
		return Medium
	}
	return Low
}

// MeaningfulWords counts words longer than three letters that are not
// numbers.
func MeaningfulWords(text string) int {
	n := 0
	for _, w := range strings.Fields(text) {
		w = strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
		if utf8.RuneCountInString(w) <= meaningfulRunes {
			continue
		}
		if _, err := strconv.ParseFloat(w, 64); err == nil {
			continue
		}
		n++
	}
	return n
}

func isBoilerplateOnly(sentence string) bool {
	return boilerplate.MatchString(sentence) && MeaningfulWords(sentence) < MinMeaningful
}
