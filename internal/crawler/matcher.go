package crawler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"keyscout/pkg/models"
)

// ContextRadius is how many characters of text are kept on each side of a match.
const ContextRadius = 50

// wordChars matches the letters, digits and underscores that extend a match to a whole word.
const wordChars = `[\p{L}\p{N}_]*`

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Matcher finds every word containing a keyword, case-insensitively.
type Matcher struct {
	keyword string
	pattern *regexp.Regexp
	now     func() time.Time
}

// NewMatcher compiles a matcher for keyword. The keyword is literal text.
func NewMatcher(keyword string) (*Matcher, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, fmt.Errorf("%w: keyword must not be empty", models.ErrInput)
	}
	pattern, err := regexp.Compile(`(?i)` + wordChars + regexp.QuoteMeta(keyword) + wordChars)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword %q: %v", models.ErrInput, keyword, err)
	}
	return &Matcher{keyword: keyword, pattern: pattern, now: time.Now}, nil
}

func (m *Matcher) Keyword() string {
	return m.keyword
}

// FindAll returns one record per non-overlapping occurrence in text, in order.
func (m *Matcher) FindAll(text, pageURL string) []models.MatchRecord {
	locs := m.pattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	records := make([]models.MatchRecord, 0, len(locs))
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		match := text[start:end]
		before := text[backRunes(text, start, ContextRadius):start]
		after := text[end:forwardRunes(text, end, ContextRadius)]

		records = append(records, models.MatchRecord{
			URL:       pageURL,
			Keyword:   m.keyword,
			Match:     match,
			Context:   lineBreaks.Replace(before + "[" + match + "]" + after),
			Timestamp: m.now(),
		})
	}
	return records
}

// backRunes returns the byte offset n runes before pos, clamped to 0.
func backRunes(s string, pos, n int) int {
	for ; n > 0 && pos > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(s[:pos])
		pos -= size
	}
	return pos
}

// forwardRunes returns the byte offset n runes after pos, clamped to len(s).
func forwardRunes(s string, pos, n int) int {
	for ; n > 0 && pos < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[pos:])
		pos += size
	}
	return pos
}
