package worker

import "strings"

var imageKeywords = []string{
	"image", "png", "jpg", "jpeg", "gif", "webp", "photo",
	"diagram", "chart", "plot", "figure", "draw", "render",
	"이미지", "사진", "그림", "차트", "그래프",
}

var htmlKeywords = []string{
	"html", "css", "landing page", "web page", "webpage", "site",
	"랜딩", "웹페이지", "페이지",
}

func looksLikeImageRequest(prompt string) bool {
	return containsAnyKeyword(prompt, imageKeywords)
}

func looksLikeHTMLRequest(prompt string) bool {
	return containsAnyKeyword(prompt, htmlKeywords)
}

func containsAnyKeyword(prompt string, keywords []string) bool {
	text := strings.ToLower(prompt)
	if text == "" {
		return false
	}
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// augmentPrompt appends the delivery contracts that teach the agent to
// save generated files where artifact discovery can find them.
func augmentPrompt(prompt string) string {
	result := prompt
	if looksLikeImageRequest(prompt) {
		result += "\n\n[Image Delivery Contract]\n" +
			"If you generate an image file, save it as a local file and include at least one markdown image path.\n" +
			"Preferred format:\n" +
			"![generated](./generated/<file>.png)\n" +
			"Use a real existing path only."
	}
	if looksLikeHTMLRequest(prompt) {
		result += "\n\n[HTML Delivery Contract]\n" +
			"If you generate an HTML page, save it as a local file and include a markdown link to that exact file.\n" +
			"Also generate one preview image (png) for Telegram chat preview.\n" +
			"Preferred formats:\n" +
			"[landing page](./generated/<file>.html)\n" +
			"![preview](./generated/<file>.png)\n" +
			"Use inline CSS if possible so single-file preview works."
	}
	return result
}
