// Package text prepares page text for speech synthesis: it normalizes the
// text and splits it into chunks a provider accepts in one request.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the largest chunk sent to a provider in one request.
const DefaultMaxChars = 3000

// Regex patterns for text normalization.
const (
	referenceRegexPattern  = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	whitespaceRegexPattern = `\s+`
	sentenceRegexPattern   = `[^.!?]*[.!?]+["')\]]*(?:\s+|$)|[^.!?]+$`
)

// Punctuation constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Preprocessor normalizes and chunks text for synthesis.
type Preprocessor struct {
	referencePattern     *regexp.Regexp
	whitespacePattern    *regexp.Regexp
	sentencePattern      *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	punctuationReplacer  *strings.Replacer
	maxChars             int
}

// NewPreprocessor creates a preprocessor producing chunks of at most maxChars
// characters. A non-positive maxChars selects DefaultMaxChars.
func NewPreprocessor(maxChars int) *Preprocessor {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Co.", "Company",
		"Ltd.", "Limited",
		"Corp.", "Corporation",
		"Inc.", "Incorporated",
		"e.g.", "for example",
		"i.e.", "that is",
		"etc.", "et cetera",
	}

	return &Preprocessor{
		referencePattern:     regexp.MustCompile(referenceRegexPattern),
		whitespacePattern:    regexp.MustCompile(whitespaceRegexPattern),
		sentencePattern:      regexp.MustCompile(sentenceRegexPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		punctuationReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
		maxChars: maxChars,
	}
}

// MaxChars is the chunk size limit.
func (p *Preprocessor) MaxChars() int {
	return p.maxChars
}

// Normalize expands abbreviations, drops reference markers, straightens
// quotes and dashes, and collapses whitespace. Abbreviations are expanded
// first so their periods are not taken as sentence ends.
func (p *Preprocessor) Normalize(text string) string {
	normalized := p.abbreviationReplacer.Replace(text)
	normalized = p.referencePattern.ReplaceAllString(normalized, "")
	normalized = p.punctuationReplacer.Replace(normalized)
	normalized = p.whitespacePattern.ReplaceAllString(normalized, " ")

	return strings.TrimSpace(normalized)
}

// Chunk normalizes text and splits it into chunks of at most MaxChars
// characters, breaking between sentences where possible and between words
// otherwise. Words longer than the limit are cut. Empty text yields no chunks.
func (p *Preprocessor) Chunk(text string) []string {
	normalized := ensureSentenceEnding(p.Normalize(text))
	if normalized == "" {
		return nil
	}

	if utf8.RuneCountInString(normalized) <= p.maxChars {
		return []string{normalized}
	}

	var (
		chunks  []string
		current strings.Builder
	)

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	appendPiece := func(piece string) {
		pieceLen := utf8.RuneCountInString(piece)
		currentLen := utf8.RuneCountInString(current.String())

		if currentLen > 0 && currentLen+1+pieceLen > p.maxChars {
			flush()
		}

		if current.Len() > 0 {
			current.WriteByte(' ')
		}

		current.WriteString(piece)
	}

	for _, sentence := range p.sentences(normalized) {
		if utf8.RuneCountInString(sentence) <= p.maxChars {
			appendPiece(sentence)

			continue
		}

		for _, word := range strings.Fields(sentence) {
			for _, part := range splitRunes(word, p.maxChars) {
				appendPiece(part)
			}
		}
	}

	flush()

	return chunks
}

func (p *Preprocessor) sentences(text string) []string {
	matches := p.sentencePattern.FindAllString(text, -1)
	sentences := make([]string, 0, len(matches))

	for _, match := range matches {
		trimmed := strings.TrimSpace(match)
		if trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}

	return sentences
}

func splitRunes(word string, size int) []string {
	runes := []rune(word)
	if len(runes) <= size {
		return []string{word}
	}

	parts := make([]string, 0, len(runes)/size+1)

	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		parts = append(parts, string(runes[start:end]))
	}

	return parts
}

// ensureSentenceEnding terminates text with a period when it lacks sentence punctuation.
func ensureSentenceEnding(text string) string {
	trimmedText := strings.TrimSpace(text)
	if trimmedText == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(trimmedText)
	if !unicode.IsPunct(lastChar) {
		return trimmedText + "."
	}

	switch lastChar {
	case '.', '!', '?':
		return trimmedText
	default:
		return trimmedText + "."
	}
}
