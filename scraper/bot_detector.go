package scraper

import (
	"regexp"
	"strings"
)

// BlockKind classifies a rejected page
type BlockKind string

const (
	BlockNone    BlockKind = ""
	BlockCaptcha BlockKind = "captcha"
	BlockHTTP    BlockKind = "http_error"
	BlockBotWall BlockKind = "bot_wall"
)

// BotDetector detects bot walls and CAPTCHAs in fetched page text
type BotDetector struct {
	botPatterns     []*regexp.Regexp
	captchaPatterns []*regexp.Regexp
	blockPatterns   []*regexp.Regexp
}

// NewBotDetector creates a new bot detector
func NewBotDetector() *BotDetector {
	return &BotDetector{
		botPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)unfortunately we are unable`),
			regexp.MustCompile(`(?i)access denied`),
			regexp.MustCompile(`(?i)bot detected`),
			regexp.MustCompile(`(?i)automated access`),
			regexp.MustCompile(`(?i)security check`),
			regexp.MustCompile(`(?i)checking your browser`),
			regexp.MustCompile(`(?i)ddos protection`),
			regexp.MustCompile(`(?i)too many requests`),
			regexp.MustCompile(`(?i)sorry, we just need to make sure you're not a robot`),
		},
		captchaPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)enter the characters you see`),
			regexp.MustCompile(`(?i)type the characters`),
			regexp.MustCompile(`(?i)verify you are (a )?human`),
			regexp.MustCompile(`(?i)select all images`),
			regexp.MustCompile(`(?i)click the checkbox`),
			regexp.MustCompile(`(?i)\b(re|h)?captcha\b`),
		},
		blockPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)403 forbidden`),
			regexp.MustCompile(`(?i)429 too many requests`),
			regexp.MustCompile(`(?i)503 service unavailable`),
			regexp.MustCompile(`(?i)site temporarily unavailable`),
		},
	}
}

// Detect scores visible page text and title. Product pages are long and
// mention none of the patterns; challenge pages are short and mention
// several, so short content with any indicator is weighted up.
func (bd *BotDetector) Detect(pageText, pageTitle string) (BlockKind, string, float64) {
	content := strings.ToLower(pageText + " " + pageTitle)

	score := 0.0
	var reasons []string
	kind := BlockNone

	for _, pattern := range bd.botPatterns {
		if pattern.MatchString(content) {
			score += 0.3
			reasons = append(reasons, pattern.String())
			kind = BlockBotWall
		}
	}

	for _, pattern := range bd.blockPatterns {
		if pattern.MatchString(content) {
			score += 0.4
			reasons = append(reasons, "HTTP error: "+pattern.String())
			kind = BlockHTTP
		}
	}

	// CAPTCHA outranks the other kinds
	for _, pattern := range bd.captchaPatterns {
		if pattern.MatchString(content) {
			score += 0.5
			reasons = append(reasons, "CAPTCHA detected: "+pattern.String())
			kind = BlockCaptcha
		}
	}

	if strings.Contains(content, "javascript") && strings.Contains(content, "disabled") {
		score += 0.2
		reasons = append(reasons, "JavaScript disabled warning")
	}

	if len(content) < 1000 && score > 0 {
		score += 0.2
		reasons = append(reasons, "Very short content with bot indicators")
	}

	if score > 1.0 {
		score = 1.0
	}

	if score <= 0.3 {
		return BlockNone, "", score
	}
	if kind == BlockNone {
		kind = BlockBotWall
	}
	return kind, strings.Join(reasons, "; "), score
}
