package enrich

import (
	"context"
	"strings"

	"github.com/smartpixl/pixel-ingester/internal/metrics"
	"github.com/smartpixl/pixel-ingester/internal/model"
)

// botPatterns maps a lowercase UA substring to the canonical bot name. The
// production set is loaded from the same reference data that feeds the
// crawler lists; the built-in set covers the crawlers and automation stacks
// that dominate pixel traffic.
var botPatterns = []struct {
	substr string
	name   string
}{
	{"headlesschrome", "headless-chrome"},
	{"phantomjs", "phantomjs"},
	{"electron", "electron"},
	{"puppeteer", "puppeteer"},
	{"playwright", "playwright"},
	{"selenium", "selenium"},
	{"googlebot", "googlebot"},
	{"adsbot-google", "adsbot-google"},
	{"bingbot", "bingbot"},
	{"slurp", "yahoo-slurp"},
	{"duckduckbot", "duckduckbot"},
	{"baiduspider", "baiduspider"},
	{"yandexbot", "yandexbot"},
	{"sogou", "sogou"},
	{"facebookexternalhit", "facebook"},
	{"facebot", "facebook"},
	{"twitterbot", "twitterbot"},
	{"linkedinbot", "linkedinbot"},
	{"pinterestbot", "pinterest"},
	{"whatsapp", "whatsapp"},
	{"telegrambot", "telegram"},
	{"slackbot", "slackbot"},
	{"discordbot", "discordbot"},
	{"applebot", "applebot"},
	{"amazonbot", "amazonbot"},
	{"petalbot", "petalbot"},
	{"semrushbot", "semrush"},
	{"ahrefsbot", "ahrefs"},
	{"mj12bot", "majestic"},
	{"dotbot", "dotbot"},
	{"rogerbot", "rogerbot"},
	{"screaming frog", "screaming-frog"},
	{"bytespider", "bytespider"},
	{"gptbot", "gptbot"},
	{"ccbot", "commoncrawl"},
	{"claudebot", "claudebot"},
	{"perplexitybot", "perplexity"},
	{"uptimerobot", "uptimerobot"},
	{"pingdom", "pingdom"},
	{"statuscake", "statuscake"},
	{"site24x7", "site24x7"},
	{"newrelicpinger", "newrelic"},
	{"datadog", "datadog-synthetics"},
	{"curl/", "curl"},
	{"wget/", "wget"},
	{"python-requests", "python-requests"},
	{"python-urllib", "python-urllib"},
	{"aiohttp", "aiohttp"},
	{"go-http-client", "go-http-client"},
	{"okhttp", "okhttp"},
	{"java/", "java-http"},
	{"apache-httpclient", "apache-httpclient"},
	{"libwww-perl", "libwww-perl"},
	{"scrapy", "scrapy"},
	{"httpx", "httpx"},
	{"node-fetch", "node-fetch"},
	{"axios", "axios"},
	{"postmanruntime", "postman"},
	{"insomnia", "insomnia"},
	{"zgrab", "zgrab"},
	{"masscan", "masscan"},
	{"nmap", "nmap"},
	{"nuclei", "nuclei"},
	{"crawler", "generic-crawler"},
	{"spider", "generic-spider"},
	{"scraper", "generic-scraper"},
	{"bot/", "generic-bot"},
	{"bot;", "generic-bot"},
}

// KnownBots flags user agents that match the bot pattern set.
type KnownBots struct{}

func NewKnownBots() *KnownBots { return &KnownBots{} }

func (s *KnownBots) Name() string { return "known_bots" }

func (s *KnownBots) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	ua := strings.ToLower(rec.UserAgent)
	if ua == "" {
		// No UA at all is itself a bot signal.
		metrics.BotDetectionsTotal.WithLabelValues("empty_ua").Inc()
		return rec.WithServerParams("knownBot", "1", "botName", "empty-ua"), nil
	}
	for _, p := range botPatterns {
		if strings.Contains(ua, p.substr) {
			metrics.BotDetectionsTotal.WithLabelValues("known_ua").Inc()
			return rec.WithServerParams("knownBot", "1", "botName", p.name), nil
		}
	}
	return rec.WithServerParams("knownBot", "0"), nil
}
