package enrich

import (
	"context"
	"strconv"
	"strings"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// Per-mismatch weights. The score starts at 100 and each dimension that
// contradicts the geo-IP country subtracts its weight.
const (
	culturalWeightTZ     = 30
	culturalWeightLang   = 25
	culturalWeightFonts  = 20
	culturalWeightNumFmt = 15
	culturalWeightVoices = 10
)

// countryTZPrefixes maps a country code to plausible IANA zone prefixes.
// Coverage targets the countries that dominate the traffic mix; an unknown
// country skips the timezone check rather than penalizing it.
var countryTZPrefixes = map[string][]string{
	"US": {"America/", "Pacific/Honolulu"},
	"CA": {"America/"},
	"MX": {"America/"},
	"BR": {"America/"},
	"AR": {"America/"},
	"GB": {"Europe/London"},
	"IE": {"Europe/Dublin"},
	"FR": {"Europe/Paris"},
	"DE": {"Europe/Berlin"},
	"ES": {"Europe/Madrid", "Atlantic/Canary"},
	"IT": {"Europe/Rome"},
	"NL": {"Europe/Amsterdam"},
	"PL": {"Europe/Warsaw"},
	"RU": {"Europe/", "Asia/"},
	"UA": {"Europe/Kyiv", "Europe/Kiev"},
	"TR": {"Europe/Istanbul"},
	"IN": {"Asia/Kolkata", "Asia/Calcutta"},
	"CN": {"Asia/Shanghai", "Asia/Urumqi"},
	"JP": {"Asia/Tokyo"},
	"KR": {"Asia/Seoul"},
	"SG": {"Asia/Singapore"},
	"AU": {"Australia/"},
	"NZ": {"Pacific/Auckland"},
	"ZA": {"Africa/Johannesburg"},
	"NG": {"Africa/Lagos"},
	"EG": {"Africa/Cairo"},
}

// countryLanguages maps a country code to expected primary language tags.
var countryLanguages = map[string][]string{
	"US": {"en"}, "CA": {"en", "fr"}, "GB": {"en"}, "IE": {"en"},
	"AU": {"en"}, "NZ": {"en"}, "ZA": {"en", "af"}, "NG": {"en"},
	"MX": {"es"}, "ES": {"es", "ca"}, "AR": {"es"},
	"BR": {"pt"}, "PT": {"pt"},
	"FR": {"fr"}, "DE": {"de"}, "AT": {"de"}, "CH": {"de", "fr", "it"},
	"IT": {"it"}, "NL": {"nl"}, "PL": {"pl"},
	"RU": {"ru"}, "UA": {"uk", "ru"}, "TR": {"tr"},
	"IN": {"en", "hi"}, "CN": {"zh"}, "JP": {"ja"}, "KR": {"ko"},
	"SG": {"en", "zh"}, "EG": {"ar"},
}

// decimalCommaCountries use "1.234,56" number formatting.
var decimalCommaCountries = map[string]bool{
	"DE": true, "FR": true, "ES": true, "IT": true, "NL": true,
	"PL": true, "RU": true, "UA": true, "TR": true, "BR": true,
	"AR": true, "AT": true, "PT": true,
}

// cjkFonts are fonts a machine configured for a CJK locale carries.
var cjkFonts = []string{"MS Gothic", "Meiryo", "SimSun", "Microsoft YaHei", "Malgun Gothic", "PingFang"}

// Cultural scores the coherence between where the IP claims to be and what
// the browser environment says about its operator. Mismatches accumulate;
// one traveler-style mismatch keeps a decent score, a fully incoherent
// environment does not.
type Cultural struct{}

func NewCultural() *Cultural { return &Cultural{} }

func (s *Cultural) Name() string { return "cultural" }

func (s *Cultural) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	cc := srv(rec, "mmCC")
	if cc == "" {
		cc = srv(rec, "ipapiCC")
	}
	if cc == "" {
		// Nothing to arbitrate against.
		return rec.WithServerParams("culturalScore", "100", "culturalFlags", ""), nil
	}

	score := 100
	var flags []string

	if tz := param(rec, "tz"); tz != "" && tzMismatch(cc, tz) {
		score -= culturalWeightTZ
		flags = append(flags, "tz")
	}
	if lang := primaryLang(param(rec, "lang"), param(rec, "langs")); lang != "" && langMismatch(cc, lang) {
		score -= culturalWeightLang
		flags = append(flags, "lang")
	}
	if fonts := param(rec, "fonts"); fonts != "" && fontMismatch(cc, fonts) {
		score -= culturalWeightFonts
		flags = append(flags, "fonts")
	}
	if numFmt := param(rec, "numFmt"); numFmt != "" && numFmtMismatch(cc, numFmt) {
		score -= culturalWeightNumFmt
		flags = append(flags, "numFmt")
	}
	if voices := param(rec, "voices"); voices != "" && voicesMismatch(cc, voices) {
		score -= culturalWeightVoices
		flags = append(flags, "voices")
	}

	if score < 0 {
		score = 0
	}
	return rec.WithServerParams(
		"culturalScore", strconv.Itoa(score),
		"culturalFlags", strings.Join(flags, ","),
	), nil
}

func tzMismatch(cc, tz string) bool {
	prefixes, known := countryTZPrefixes[cc]
	if !known {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(tz, p) {
			return false
		}
	}
	return true
}

// primaryLang picks the first language tag reported, lowercased to its
// base subtag ("en-US" -> "en").
func primaryLang(lang, langs string) string {
	v := lang
	if v == "" && langs != "" {
		v = strings.SplitN(langs, ",", 2)[0]
	}
	v = strings.TrimSpace(strings.ToLower(v))
	if i := strings.IndexByte(v, '-'); i > 0 {
		v = v[:i]
	}
	return v
}

func langMismatch(cc, lang string) bool {
	expected, known := countryLanguages[cc]
	if !known {
		return false
	}
	// English is globally plausible as a browser language.
	if lang == "en" {
		return false
	}
	for _, e := range expected {
		if lang == e {
			return false
		}
	}
	return true
}

func fontMismatch(cc, fonts string) bool {
	cjk := cc == "CN" || cc == "JP" || cc == "KR" || cc == "TW" || cc == "HK"
	if cjk {
		return false
	}
	hits := 0
	for _, f := range cjkFonts {
		if containsFold(fonts, f) {
			hits++
		}
	}
	// A single CJK font ships with plenty of Western installs; a cluster
	// of them outside a CJK geo does not.
	return hits >= 3
}

func numFmtMismatch(cc, numFmt string) bool {
	comma := strings.Contains(numFmt, ",") && strings.LastIndexByte(numFmt, ',') > strings.LastIndexByte(numFmt, '.')
	return decimalCommaCountries[cc] != comma
}

func voicesMismatch(cc, voices string) bool {
	expected, known := countryLanguages[cc]
	if !known {
		return false
	}
	v := strings.ToLower(voices)
	if strings.Contains(v, "en") {
		return false
	}
	for _, e := range expected {
		if strings.Contains(v, e) {
			return false
		}
	}
	return true
}
