// Package translate runs a paid translation: it charges one credit, calls the
// upstream model, and returns the credit when the model fails.
package translate

import (
	"errors"
	"strings"
)

// SectionSeparator splits model output into translation, glossary and notes.
const SectionSeparator = "---SECTION_SEPARATOR---"

const maxSections = 3

var ErrUnsupportedLanguage = errors.New("translate: unsupported target language")

type Language string

const (
	LanguageChinese  Language = "zh"
	LanguageJapanese Language = "ja"
	LanguageKorean   Language = "ko"
)

var languageNames = map[Language]string{
	LanguageChinese:  "Simplified Chinese",
	LanguageJapanese: "Japanese",
	LanguageKorean:   "Korean",
}

// ParseLanguage accepts zh, ja and ko. Blank input selects Chinese.
func ParseLanguage(rawInput string) (Language, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return LanguageChinese, nil
	}
	language := Language(trimmed)
	if _, ok := languageNames[language]; !ok {
		return "", ErrUnsupportedLanguage
	}
	return language, nil
}

func (l Language) DisplayName() string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	return languageNames[LanguageChinese]
}

// SplitSections returns at most three trimmed sections. Anything past the
// second separator stays in the last section.
func SplitSections(output string) []string {
	parts := strings.SplitN(output, SectionSeparator, maxSections)
	sections := make([]string, 0, len(parts))
	for _, part := range parts {
		sections = append(sections, strings.TrimSpace(part))
	}
	return sections
}
