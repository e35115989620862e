package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var imageSuffixes = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true,
}

var htmlSuffixes = map[string]bool{".html": true, ".htm": true}

var skipDirNames = map[string]bool{
	".git": true, ".venv": true, "venv": true, "node_modules": true,
	"__pycache__": true, ".pytest_cache": true, ".mypy_cache": true,
}

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)
	markdownLinkRe  = regexp.MustCompile(`\[[^\]]*\]\(([^)]+)\)`)
)

// extractLocalPaths pulls existing local file paths with the given
// suffixes out of assistant text: markdown links first, then quoted and
// bare path fragments.
func extractLocalPaths(text string, suffixes map[string]bool) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	suffixAlternatives := make([]string, 0, len(suffixes))
	for suffix := range suffixes {
		suffixAlternatives = append(suffixAlternatives, regexp.QuoteMeta(strings.TrimPrefix(suffix, ".")))
	}
	sort.Strings(suffixAlternatives)
	suffixPattern := strings.Join(suffixAlternatives, "|")
	quotedRe := regexp.MustCompile(`(?i)['"]([^'"]+\.(?:` + suffixPattern + `))['"]`)
	bareRe := regexp.MustCompile(`(?i)((?:[A-Za-z]:)?(?:[./\\][^\s'"` + "`" + `<>|]+)+\.(?:` + suffixPattern + `))`)

	var candidates []string
	for _, match := range markdownImageRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}
	for _, match := range markdownLinkRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}
	for _, match := range quotedRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}
	for _, match := range bareRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, match[1])
	}

	seen := map[string]bool{}
	var paths []string
	for _, raw := range candidates {
		candidate := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"'`))
		if candidate == "" {
			continue
		}
		lowered := strings.ToLower(candidate)
		if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") ||
			strings.HasPrefix(lowered, "data:") {
			continue
		}
		resolved, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if !suffixes[strings.ToLower(filepath.Ext(resolved))] {
			continue
		}
		key := strings.ToLower(resolved)
		if seen[key] {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || info.IsDir() {
			continue
		}
		seen[key] = true
		paths = append(paths, resolved)
	}
	return paths
}

// findRecentFiles scans the working directory and temp dir for files with
// the given suffixes modified since the run started, newest first.
func findRecentFiles(since time.Time, suffixes map[string]bool, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	cutoff := since.Add(-2 * time.Second)

	type hit struct {
		mtime time.Time
		path  string
	}
	var hits []hit
	seen := map[string]bool{}

	cwd, _ := os.Getwd()
	for _, root := range []string{cwd, os.TempDir()} {
		if root == "" {
			continue
		}
		filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if entry.IsDir() {
				if skipDirNames[entry.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if !suffixes[strings.ToLower(filepath.Ext(entry.Name()))] {
				return nil
			}
			key := strings.ToLower(path)
			if seen[key] {
				return nil
			}
			info, err := entry.Info()
			if err != nil || info.Size() <= 0 || info.ModTime().Before(cutoff) {
				return nil
			}
			seen[key] = true
			hits = append(hits, hit{mtime: info.ModTime(), path: path})
			return nil
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].mtime.After(hits[j].mtime) })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	paths := make([]string, 0, len(hits))
	for _, h := range hits {
		paths = append(paths, h.path)
	}
	return paths
}

func artifactDedupeKey(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return strings.ToLower(path)
	}
	return fmt.Sprintf("%s:%d:%d", strings.ToLower(path), info.ModTime().UnixNano(), info.Size())
}

// deliverArtifacts forwards generated files to the chat: images as photos
// (falling back to documents), pages as documents. Failures become
// persisted delivery_error events and the run continues.
func (w *RunWorker) deliverArtifacts(ctx context.Context, turnID string, chatID int64, userText, assistantText string, runStarted time.Time, emitDeliveryError func(message string)) {
	imagePaths := extractLocalPaths(assistantText, imageSuffixes)
	htmlPaths := extractLocalPaths(assistantText, htmlSuffixes)

	if len(imagePaths) == 0 && looksLikeImageRequest(userText) {
		imagePaths = findRecentFiles(runStarted, imageSuffixes, 3)
	}
	if len(htmlPaths) == 0 && looksLikeHTMLRequest(userText) {
		htmlPaths = findRecentFiles(runStarted, htmlSuffixes, 2)
	}

	sentKey := w.botID + ":" + fmt.Sprintf("%d", chatID)
	w.artifactMu.Lock()
	sentForChat := w.sentArtifacts[sentKey]
	if sentForChat == nil {
		sentForChat = map[string]bool{}
		w.sentArtifacts[sentKey] = sentForChat
	}
	w.artifactMu.Unlock()

	type artifact struct {
		path string
		kind string
	}
	var unique []artifact
	appendUnique := func(paths []string, kind string) {
		for _, path := range paths {
			key := artifactDedupeKey(path)
			w.artifactMu.Lock()
			dup := sentForChat[key]
			if !dup {
				sentForChat[key] = true
			}
			w.artifactMu.Unlock()
			if !dup {
				unique = append(unique, artifact{path: path, kind: kind})
			}
		}
	}
	appendUnique(imagePaths, "image")
	appendUnique(htmlPaths, "html")

	for _, item := range unique {
		caption := fmt.Sprintf("[artifact:%s] %s", item.kind, filepath.Base(item.path))
		var err error
		if item.kind == "image" {
			err = w.client.SendPhoto(ctx, chatID, item.path, caption)
			if err != nil {
				err = w.client.SendDocument(ctx, chatID, item.path, caption)
			}
		} else {
			err = w.client.SendDocument(ctx, chatID, item.path, caption)
		}
		if err != nil {
			log.Printf("worker: artifact delivery bot=%s chat=%d path=%s: %v", w.botID, chatID, item.path, err)
			emitDeliveryError(fmt.Sprintf("artifact delivery failed for %s: %v", filepath.Base(item.path), err))
		}
	}
}
