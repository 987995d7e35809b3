// Package titleparse turns media filenames and free-text queries into
// (title, season, episode) triples. It covers the pattern families players
// actually send; anything unrecognized falls back to a bare movie title.
package titleparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parsed is the result of parsing one filename or keyword.
type Parsed struct {
	Title   string
	Season  int // 0 = unspecified
	Episode int // 0 = unspecified; movies carry no episode
	IsMovie bool
}

// Reconstructed renders a canonical "Title SxxExx" form. Re-parsing it
// yields the same title.
func (p Parsed) Reconstructed() string {
	if p.IsMovie || p.Episode == 0 {
		return p.Title
	}
	season := p.Season
	if season == 0 {
		season = 1
	}
	return fmt.Sprintf("%s S%02dE%02d", p.Title, season, p.Episode)
}

var (
	extensionRe = regexp.MustCompile(`(?i)\.(mkv|mp4|avi|ts|m2ts|wmv|flv|mov|webm|rmvb)$`)
	bracketRe   = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|【[^】]*】`)
	// tokens after which everything is release metadata
	junkRe = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|480p|4k|bluray|blu-ray|bdrip|webrip|web-dl|webdl|hdtv|x264|x265|h264|h265|hevc|aac|flac|ddp?5\.?1|10bit|hdr|remux|uhd)\b.*$`)

	seasonEpisodeRe = regexp.MustCompile(`(?i)\bS(\d{1,2})\s*E(\d{1,4})\b`)
	dashEpisodeRe   = regexp.MustCompile(`^(.+?)\s*-\s*(\d{1,4})\s*$`)
	cnSeasonRe      = regexp.MustCompile(`第\s*(\d{1,2})\s*季`)
	cnEpisodeRe     = regexp.MustCompile(`第\s*(\d{1,4})\s*[集话話]`)
	bareSeasonRe    = regexp.MustCompile(`(?i)\bSeason\s*(\d{1,2})\b|\bS(\d{1,2})\b$`)
	epTokenRe       = regexp.MustCompile(`(?i)\b(?:EP?|第)\s*(\d{1,4})\b`)
)

// movieKeywords re-label TV hits whose titles carry theatrical markers.
var movieKeywords = []string{"剧场版", "劇場版", "电影版", "電影版", "the movie", "movie edition"}

// ParseFileName parses a player-supplied filename. Patterns are tried in
// order: SxxExx, "Title - NN", bare movie title.
func ParseFileName(fileName string) Parsed {
	name := strings.TrimSpace(fileName)
	// Drop any directory part players sometimes include.
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	name = extensionRe.ReplaceAllString(name, "")
	name = bracketRe.ReplaceAllString(name, " ")
	name = junkRe.ReplaceAllString(name, " ")
	name = strings.Join(strings.Fields(strings.NewReplacer(".", " ", "_", " ").Replace(name)), " ")

	if m := seasonEpisodeRe.FindStringSubmatchIndex(name); m != nil {
		season, _ := strconv.Atoi(name[m[2]:m[3]])
		episode, _ := strconv.Atoi(name[m[4]:m[5]])
		title := cleanTitle(name[:m[0]])
		if title == "" {
			title = cleanTitle(name[m[1]:])
		}
		return Parsed{Title: title, Season: season, Episode: episode}
	}

	if m := dashEpisodeRe.FindStringSubmatch(name); m != nil {
		episode, _ := strconv.Atoi(m[2])
		return Parsed{Title: cleanTitle(m[1]), Season: seasonFromTitle(m[1]), Episode: episode}
	}

	if m := cnEpisodeRe.FindStringSubmatch(name); m != nil {
		episode, _ := strconv.Atoi(m[1])
		title := cleanTitle(cnEpisodeRe.ReplaceAllString(name, " "))
		return Parsed{Title: title, Season: seasonFromTitle(name), Episode: episode}
	}

	return Parsed{Title: cleanTitle(name), IsMovie: true}
}

// ParseKeyword parses a free-text search query. Unlike filenames, a keyword
// without an episode stays a series query rather than a movie.
func ParseKeyword(keyword string) Parsed {
	p := ParseFileName(keyword)
	if p.IsMovie {
		p.IsMovie = false
		// Queries may specify a season without an episode.
		p.Season = seasonFromTitle(keyword)
		if p.Season > 0 {
			p.Title = cleanTitle(bareSeasonRe.ReplaceAllString(cnSeasonRe.ReplaceAllString(p.Title, " "), " "))
		}
		if m := epTokenRe.FindStringSubmatch(keyword); m != nil && p.Episode == 0 {
			p.Episode, _ = strconv.Atoi(m[1])
			p.Title = cleanTitle(epTokenRe.ReplaceAllString(p.Title, " "))
		}
	}
	return p
}

// HasMovieKeyword reports whether a provider title carries a theatrical
// marker like "剧场版".
func HasMovieKeyword(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range movieKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func seasonFromTitle(s string) int {
	if m := cnSeasonRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := bareSeasonRe.FindStringSubmatch(s); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				n, _ := strconv.Atoi(g)
				return n
			}
		}
	}
	return 0
}

func cleanTitle(s string) string {
	s = cnSeasonRe.ReplaceAllString(s, " ")
	s = strings.Trim(s, " -_~·")
	return strings.Join(strings.Fields(s), " ")
}
