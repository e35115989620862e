// Package youtube resolves a search query to the first matching video via
// the public results page, with a DuckDuckGo fallback. No API key needed;
// the /youtube command and the natural-language intent both go through it.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	videoIDRe  = regexp.MustCompile(`"videoId":"([A-Za-z0-9_-]{11})"`)
	watchURLRe = regexp.MustCompile(`https?://(?:www\.)?youtube\.com/watch\?v=([A-Za-z0-9_-]{11})`)
	shortURLRe = regexp.MustCompile(`https?://youtu\.be/([A-Za-z0-9_-]{11})`)
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Result is the first video matched for a query.
type Result struct {
	VideoID    string
	URL        string
	Title      string
	AuthorName string
}

// Service performs the search. BaseURL overrides exist for tests.
type Service struct {
	httpClient *http.Client
	youtubeURL string
	duckURL    string
}

// Opts holds parameters for NewService.
type Opts struct {
	HTTPClient *http.Client
	YoutubeURL string // defaults to https://www.youtube.com
	DuckURL    string // defaults to https://duckduckgo.com
}

// NewService creates a Service.
func NewService(opts Opts) *Service {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	youtubeURL := opts.YoutubeURL
	if youtubeURL == "" {
		youtubeURL = "https://www.youtube.com"
	}
	duckURL := opts.DuckURL
	if duckURL == "" {
		duckURL = "https://duckduckgo.com"
	}
	return &Service{httpClient: httpClient, youtubeURL: youtubeURL, duckURL: duckURL}
}

// SearchFirstVideo returns the top result for the query, nil when nothing
// matched.
func (s *Service) SearchFirstVideo(ctx context.Context, query string) (*Result, error) {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		return nil, nil
	}

	videoID := s.resolveVideoID(ctx, normalized)
	if videoID == "" {
		return nil, nil
	}

	watchURL := s.youtubeURL + "/watch?v=" + videoID
	result := &Result{VideoID: videoID, URL: watchURL}
	result.Title, result.AuthorName = s.fetchOEmbed(ctx, watchURL)
	return result, nil
}

func (s *Service) resolveVideoID(ctx context.Context, query string) string {
	if id, err := s.searchResultsPage(ctx, query); err == nil && id != "" {
		return id
	}
	if id, err := s.searchDuckDuckGo(ctx, query); err == nil && id != "" {
		return id
	}
	return ""
}

func (s *Service) searchResultsPage(ctx context.Context, query string) (string, error) {
	body, err := s.get(ctx, s.youtubeURL+"/results?search_query="+url.QueryEscape(query))
	if err != nil {
		return "", err
	}
	ids := dedupeKeepOrder(matchGroup(videoIDRe, body))
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

func (s *Service) searchDuckDuckGo(ctx context.Context, query string) (string, error) {
	q := "site:youtube.com/watch " + query
	body, err := s.get(ctx, s.duckURL+"/html/?q="+url.QueryEscape(q))
	if err != nil {
		return "", err
	}
	candidates := matchGroup(watchURLRe, body)
	candidates = append(candidates, matchGroup(shortURLRe, body)...)
	ids := dedupeKeepOrder(candidates)
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

func (s *Service) fetchOEmbed(ctx context.Context, watchURL string) (string, string) {
	endpoint := s.youtubeURL + "/oembed?url=" + url.QueryEscape(watchURL) + "&format=json"
	body, err := s.get(ctx, endpoint)
	if err != nil {
		return "", ""
	}
	var parsed struct {
		Title      string `json:"title"`
		AuthorName string `json:"author_name"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", ""
	}
	return strings.TrimSpace(parsed.Title), strings.TrimSpace(parsed.AuthorName)
}

func (s *Service) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("youtube: request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("youtube: get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("youtube: get %s: HTTP %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("youtube: read: %w", err)
	}
	return string(data), nil
}

func matchGroup(re *regexp.Regexp, text string) []string {
	var out []string
	for _, match := range re.FindAllStringSubmatch(text, -1) {
		if len(match) > 1 {
			out = append(out, match[1])
		}
	}
	return out
}

func dedupeKeepOrder(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, value := range values {
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	return out
}
