package command

import (
	"regexp"
	"strings"
)

// Natural-language YouTube intent: the message must mention YouTube (one of
// the allow-listed spellings) and carry a search hint; everything else is a
// plain turn. Korean and English phrasings only, matching the command
// surface the bot documents.
var youtubeVariants = []string{
	"youtube",
	"유튜브",
	"유투브",
	"유트브",
	"유트뷰",
}

var searchHints = []string{
	"search",
	"find",
	"recommend",
	"show",
	"찾아",
	"검색",
	"추천",
	"보여",
}

var youtubeWordRe = regexp.MustCompile(`(?i)\byoutube\b`)

// Phrases stripped from the message to leave just the query.
var intentStopPhrases = []string{
	"유튜브", "유투브", "유트브", "유트뷰",
	"동영상", "영상",
	"찾아줘", "찾아 줘", "찾아",
	"검색해줘", "검색해 줘", "검색",
	"추천해줘", "추천해 줘", "추천",
	"보여줘", "보여 줘", "보여",
	"미리보기", "미리 보기",
	"형식으로", "형식", "이런", "같은",
	"please", "for me",
}

var spacesRe = regexp.MustCompile(`\s+`)

var englishHintRe = regexp.MustCompile(`(?i)\b(search|find|recommend|show)\b`)

// parseYoutubeIntent reports whether the text is a natural-language YouTube
// search and extracts the residual query.
func parseYoutubeIntent(text string) (bool, string) {
	lowered := strings.ToLower(text)

	hasYoutube := false
	for _, variant := range youtubeVariants {
		if strings.Contains(lowered, variant) {
			hasYoutube = true
			break
		}
	}
	if !hasYoutube {
		return false, ""
	}

	hasHint := false
	for _, hint := range searchHints {
		if strings.Contains(lowered, hint) {
			hasHint = true
			break
		}
	}
	if !hasHint {
		return false, ""
	}

	cleaned := youtubeWordRe.ReplaceAllString(text, " ")
	for _, phrase := range intentStopPhrases {
		cleaned = strings.ReplaceAll(cleaned, phrase, " ")
	}
	cleaned = englishHintRe.ReplaceAllString(cleaned, " ")
	cleaned = spacesRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.Trim(cleaned, " .,!?\n\t")
	return true, cleaned
}
