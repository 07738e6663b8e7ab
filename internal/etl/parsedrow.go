package etl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
)

// rawHit is one row of the raw ingest table as the parser reads it.
type rawHit struct {
	ID          int64
	ReceivedAt  time.Time
	CompanyID   string
	PixelID     string
	IPAddress   string
	UserAgent   string
	Referer     string
	RequestPath string
	QueryString string
}

// parsedRow is the wide typed projection of a raw hit. Field groups mirror
// the extraction phases; every carrier-sourced field is nullable because a
// missing or uncastable parameter projects to NULL, never to a zero that
// could be mistaken for data.
type parsedRow struct {
	// Phase 1: identity, screen, locale.
	SourceID       int64
	ReceivedAt     time.Time
	CompanyID      string
	PixelID        string
	IPAddress      string
	UserAgent      string
	Referer        string
	RequestPath    string
	Page           *string
	HitType        string
	Tier           *int64
	ScreenWidth    *int64
	ScreenHeight   *int64
	AvailWidth     *int64
	AvailHeight    *int64
	ColorDepth     *int64
	PixelDepth     *int64
	ViewportWidth  *int64
	ViewportHeight *int64
	OuterWidth     *int64
	OuterHeight    *int64
	Timezone       *string
	TimezoneOffset *int64
	Language       *string
	Languages      *string
	Platform       *string
	Vendor         *string

	// Phase 2: browser, GPU, fingerprints.
	Browser        *string
	BrowserVersion *string
	OS             *string
	OSVersion      *string
	DeviceType     *string
	DeviceModel    *string
	DeviceBrand    *string
	GPU            *string
	GPUVendor      *string
	GPUTier        *string
	CanvasFP       *string
	WebGLFP        *string
	AudioFP        *string
	FontList       *string
	FontCount      *int64
	KnownBot       *bool
	BotName        *string

	// Phase 3: mouse and input.
	MouseEntropy   *float64
	MoveTimingCV   *float64
	MoveSpeedCV    *float64
	MoveCount      *int64
	TouchPoints    *int64
	TouchEvents    *bool
	ScrollCount    *int64
	ScrollDepth    *int64
	ReplayDetected *bool
	ReplayMatchFP  *string

	// Phase 4: connection, hardware, network intelligence.
	Cores          *int64
	MemoryGB       *int64
	ConnectionType *string
	Downlink       *float64
	RTT            *int64
	IPType         *string
	IsDatacenter   *bool
	DCProvider     *string
	RDNS           *string
	RDNSCloud      *bool
	ASN            *int64
	ASNOrg         *string
	CountryCode    *string
	Region         *string
	City           *string
	Latitude       *float64
	Longitude      *float64
	ISP            *string
	IsProxy        *bool
	IsMobileIP     *bool

	// Phase 5: bot and evasion verdicts.
	BotScore           *int64
	BotSignals         *string
	EvasionDetected    *bool
	CrossSignals       *string
	FPAlert            *bool
	FPDistinct         *int64
	RapidFire          *bool
	SubSecDupe         *bool
	SubnetAlert        *bool
	CrossCustHits      *int64
	CrossCustAlert     *bool
	ContradictionCount *int64
	ContradictionList  *string
	DeadInternetIdx    *int64

	// Phase 6: referrer and UTM.
	ReferrerHost *string
	UTMSource    *string
	UTMMedium    *string
	UTMCampaign  *string
	UTMTerm      *string
	UTMContent   *string

	// Phase 7: WebRTC and accessibility.
	WebRTCLocalIP        *string
	WebRTCPublicIP       *string
	VoicesCount          *int64
	PrefersReducedMotion *bool
	PrefersDark          *bool
	ForcedColors         *bool

	// Phase 8: media and performance.
	MediaDevices    *int64
	AudioInputs     *int64
	VideoInputs     *int64
	PerfNavStart    *int64
	PerfDOMLoad     *int64
	PerfPageLoad    *int64
	BatteryLevel    *float64
	BatteryCharging *bool

	// Phase 9 onward: derived identity and session.
	DeviceHash         string
	SessionID          *string
	SessionHitNum      *int64
	SessionDurationSec *int64
	SessionPages       *int64
	CulturalScore      *int64
	CulturalFlags      *string
	Affluence          *string
	DeviceAge          *int64
	DeviceAgeAnomaly   *bool
	LeadScore          *int64
	MatchEmail         *string
	CustomParams       []byte
}

// parsedColumns is the column order used by the bulk COPY. Must stay in
// lockstep with parsedRow.values.
var parsedColumns = []string{
	"source_id", "received_at", "company_id", "pixel_id", "ip_address",
	"user_agent", "referer", "request_path", "page", "hit_type", "tier",
	"screen_width", "screen_height", "avail_width", "avail_height",
	"color_depth", "pixel_depth", "viewport_width", "viewport_height",
	"outer_width", "outer_height", "timezone", "timezone_offset",
	"language", "languages", "platform", "vendor",
	"browser", "browser_version", "os", "os_version", "device_type",
	"device_model", "device_brand", "gpu", "gpu_vendor", "gpu_tier",
	"canvas_fp", "webgl_fp", "audio_fp", "font_list", "font_count",
	"known_bot", "bot_name",
	"mouse_entropy", "move_timing_cv", "move_speed_cv", "move_count",
	"touch_points", "touch_events", "scroll_count", "scroll_depth",
	"replay_detected", "replay_match_fp",
	"cores", "memory_gb", "connection_type", "downlink", "rtt",
	"ip_type", "is_datacenter", "dc_provider", "rdns", "rdns_cloud",
	"asn", "asn_org", "country_code", "region", "city",
	"latitude", "longitude", "isp", "is_proxy", "is_mobile_ip",
	"bot_score", "bot_signals", "evasion_detected", "cross_signals",
	"fp_alert", "fp_distinct", "rapid_fire", "sub_sec_dupe", "subnet_alert",
	"cross_cust_hits", "cross_cust_alert",
	"contradiction_count", "contradiction_list", "dead_internet_idx",
	"referrer_host", "utm_source", "utm_medium", "utm_campaign",
	"utm_term", "utm_content",
	"webrtc_local_ip", "webrtc_public_ip", "voices_count",
	"prefers_reduced_motion", "prefers_dark", "forced_colors",
	"media_devices", "audio_inputs", "video_inputs",
	"perf_nav_start", "perf_dom_load", "perf_page_load",
	"battery_level", "battery_charging",
	"device_hash", "session_id", "session_hit_num",
	"session_duration_sec", "session_pages",
	"cultural_score", "cultural_flags", "affluence",
	"device_age", "device_age_anomaly", "lead_score",
	"match_email", "custom_params",
}

func (p *parsedRow) values() []any {
	return []any{
		p.SourceID, p.ReceivedAt, p.CompanyID, p.PixelID, p.IPAddress,
		p.UserAgent, p.Referer, p.RequestPath, p.Page, p.HitType, p.Tier,
		p.ScreenWidth, p.ScreenHeight, p.AvailWidth, p.AvailHeight,
		p.ColorDepth, p.PixelDepth, p.ViewportWidth, p.ViewportHeight,
		p.OuterWidth, p.OuterHeight, p.Timezone, p.TimezoneOffset,
		p.Language, p.Languages, p.Platform, p.Vendor,
		p.Browser, p.BrowserVersion, p.OS, p.OSVersion, p.DeviceType,
		p.DeviceModel, p.DeviceBrand, p.GPU, p.GPUVendor, p.GPUTier,
		p.CanvasFP, p.WebGLFP, p.AudioFP, p.FontList, p.FontCount,
		p.KnownBot, p.BotName,
		p.MouseEntropy, p.MoveTimingCV, p.MoveSpeedCV, p.MoveCount,
		p.TouchPoints, p.TouchEvents, p.ScrollCount, p.ScrollDepth,
		p.ReplayDetected, p.ReplayMatchFP,
		p.Cores, p.MemoryGB, p.ConnectionType, p.Downlink, p.RTT,
		p.IPType, p.IsDatacenter, p.DCProvider, p.RDNS, p.RDNSCloud,
		p.ASN, p.ASNOrg, p.CountryCode, p.Region, p.City,
		p.Latitude, p.Longitude, p.ISP, p.IsProxy, p.IsMobileIP,
		p.BotScore, p.BotSignals, p.EvasionDetected, p.CrossSignals,
		p.FPAlert, p.FPDistinct, p.RapidFire, p.SubSecDupe, p.SubnetAlert,
		p.CrossCustHits, p.CrossCustAlert,
		p.ContradictionCount, p.ContradictionList, p.DeadInternetIdx,
		p.ReferrerHost, p.UTMSource, p.UTMMedium, p.UTMCampaign,
		p.UTMTerm, p.UTMContent,
		p.WebRTCLocalIP, p.WebRTCPublicIP, p.VoicesCount,
		p.PrefersReducedMotion, p.PrefersDark, p.ForcedColors,
		p.MediaDevices, p.AudioInputs, p.VideoInputs,
		p.PerfNavStart, p.PerfDOMLoad, p.PerfPageLoad,
		p.BatteryLevel, p.BatteryCharging,
		p.DeviceHash, p.SessionID, p.SessionHitNum,
		p.SessionDurationSec, p.SessionPages,
		p.CulturalScore, p.CulturalFlags, p.Affluence,
		p.DeviceAge, p.DeviceAgeAnomaly, p.LeadScore,
		p.MatchEmail, p.CustomParams,
	}
}

// Nullable extraction helpers. Absence and cast failure both project to
// nil.

func nstr(qs, name string) *string {
	if v, ok := model.LookupParam(qs, name); ok && v != "" {
		return &v
	}
	return nil
}

func nint(qs, name string) *int64 {
	if v, ok := model.ParamInt(qs, name); ok {
		return &v
	}
	return nil
}

func nfloat(qs, name string) *float64 {
	if v, ok := model.ParamFloat(qs, name); ok {
		return &v
	}
	return nil
}

func nbool(qs, name string) *bool {
	if v, ok := model.ParamBool(qs, name); ok {
		return &v
	}
	return nil
}

func srvStr(qs, name string) *string {
	return nstr(qs, model.ServerParamPrefix+name)
}

func srvInt(qs, name string) *int64 {
	return nint(qs, model.ServerParamPrefix+name)
}

func srvFloat(qs, name string) *float64 {
	return nfloat(qs, model.ServerParamPrefix+name)
}

func srvBool(qs, name string) *bool {
	return nbool(qs, model.ServerParamPrefix+name)
}

// parseHit runs all extraction phases against one raw hit and returns the
// complete wide row.
func parseHit(hit rawHit) parsedRow {
	p := parsedRow{
		SourceID:    hit.ID,
		ReceivedAt:  hit.ReceivedAt,
		CompanyID:   hit.CompanyID,
		PixelID:     hit.PixelID,
		IPAddress:   hit.IPAddress,
		UserAgent:   hit.UserAgent,
		Referer:     hit.Referer,
		RequestPath: hit.RequestPath,
	}
	qs := hit.QueryString

	extractCore(&p, qs)
	extractBrowser(&p, qs)
	extractInput(&p, qs)
	extractNetwork(&p, qs)
	extractBotVerdicts(&p, qs)
	extractReferrer(&p, hit.Referer, qs)
	extractWebRTC(&p, qs)
	extractMedia(&p, qs)
	extractDerived(&p, qs)
	return p
}

func extractCore(p *parsedRow, qs string) {
	p.Page = nstr(qs, "page")
	p.HitType = "pixel"
	if v, ok := model.LookupParam(qs, "hitType"); ok && v != "" {
		p.HitType = v
	}
	p.Tier = nint(qs, "tier")
	p.ScreenWidth = nint(qs, "sw")
	p.ScreenHeight = nint(qs, "sh")
	p.AvailWidth = nint(qs, "saw")
	p.AvailHeight = nint(qs, "sah")
	p.ColorDepth = nint(qs, "cd")
	p.PixelDepth = nint(qs, "pd")
	p.ViewportWidth = nint(qs, "vw")
	p.ViewportHeight = nint(qs, "vh")
	p.OuterWidth = nint(qs, "ow")
	p.OuterHeight = nint(qs, "oh")
	p.Timezone = nstr(qs, "tz")
	p.TimezoneOffset = nint(qs, "tzo")
	p.Language = nstr(qs, "lang")
	p.Languages = nstr(qs, "langs")
	p.Platform = nstr(qs, "plt")
	p.Vendor = nstr(qs, "vnd")
}

func extractBrowser(p *parsedRow, qs string) {
	p.Browser = srvStr(qs, "browser")
	p.BrowserVersion = srvStr(qs, "browserVer")
	p.OS = srvStr(qs, "os")
	p.OSVersion = srvStr(qs, "osVer")
	p.DeviceType = srvStr(qs, "deviceType")
	p.DeviceModel = srvStr(qs, "deviceModel")
	p.DeviceBrand = srvStr(qs, "deviceBrand")
	p.GPU = nstr(qs, "gpu")
	p.GPUVendor = nstr(qs, "gpuVendor")
	p.GPUTier = srvStr(qs, "gpuTier")
	p.CanvasFP = nstr(qs, "canvasFP")
	p.WebGLFP = nstr(qs, "webglFP")
	p.AudioFP = nstr(qs, "audioFP")
	p.FontList = nstr(qs, "fonts")
	if p.FontList != nil {
		n := int64(strings.Count(*p.FontList, ",") + 1)
		p.FontCount = &n
	}
	p.KnownBot = srvBool(qs, "knownBot")
	p.BotName = srvStr(qs, "botName")
}

func extractInput(p *parsedRow, qs string) {
	p.MouseEntropy = nfloat(qs, "mouseEntropy")
	p.MoveTimingCV = nfloat(qs, "moveTimingCV")
	p.MoveSpeedCV = nfloat(qs, "moveSpeedCV")
	p.MoveCount = nint(qs, "moves")
	if p.MoveCount == nil {
		if path, ok := model.LookupParam(qs, "mousePath"); ok && path != "" {
			n := int64(strings.Count(path, "|") + 1)
			p.MoveCount = &n
		}
	}
	p.TouchPoints = nint(qs, "touch")
	p.TouchEvents = nbool(qs, "touchEv")
	p.ScrollCount = nint(qs, "scrolls")
	p.ScrollDepth = nint(qs, "scrollDepth")
	p.ReplayDetected = srvBool(qs, "replayDetected")
	p.ReplayMatchFP = srvStr(qs, "replayMatchFP")
}

func extractNetwork(p *parsedRow, qs string) {
	p.Cores = nint(qs, "cores")
	p.MemoryGB = nint(qs, "mem")
	p.ConnectionType = nstr(qs, "connType")
	p.Downlink = nfloat(qs, "downlink")
	p.RTT = nint(qs, "rtt")
	p.IPType = srvStr(qs, "ipType")
	p.IsDatacenter = srvBool(qs, "datacenter")
	p.DCProvider = srvStr(qs, "dcProvider")
	p.RDNS = srvStr(qs, "rdns")
	p.RDNSCloud = srvBool(qs, "rdnsCloud")
	p.ASN = srvInt(qs, "mmASN")
	p.ASNOrg = srvStr(qs, "mmASNOrg")
	if p.ASN == nil {
		p.ASN = srvInt(qs, "whoisASN")
		p.ASNOrg = srvStr(qs, "whoisOrg")
	}
	p.CountryCode = srvStr(qs, "mmCC")
	if p.CountryCode == nil {
		p.CountryCode = srvStr(qs, "ipapiCC")
	}
	p.Region = srvStr(qs, "mmReg")
	p.City = srvStr(qs, "mmCity")
	p.Latitude = srvFloat(qs, "mmLat")
	p.Longitude = srvFloat(qs, "mmLon")
	p.ISP = srvStr(qs, "ipapiISP")
	p.IsProxy = srvBool(qs, "ipapiProxy")
	p.IsMobileIP = srvBool(qs, "ipapiMobile")
}

func extractBotVerdicts(p *parsedRow, qs string) {
	p.BotScore = nint(qs, "botScore")
	p.BotSignals = nstr(qs, "botSignals")
	p.EvasionDetected = nbool(qs, "evasionDetected")
	p.CrossSignals = nstr(qs, "crossSignals")
	p.FPAlert = srvBool(qs, "fpAlert")
	p.FPDistinct = srvInt(qs, "fpDistinct")
	p.RapidFire = srvBool(qs, "rapidFire")
	p.SubSecDupe = srvBool(qs, "subSecDupe")
	p.SubnetAlert = srvBool(qs, "subnetAlert")
	p.CrossCustHits = srvInt(qs, "crossCustHits")
	p.CrossCustAlert = srvBool(qs, "crossCustAlert")
	p.ContradictionCount = srvInt(qs, "contradictions")
	p.ContradictionList = srvStr(qs, "contradictionList")
	p.DeadInternetIdx = srvInt(qs, "deadInternetIdx")
}

func extractReferrer(p *parsedRow, referer, qs string) {
	if referer != "" {
		if u, err := url.Parse(referer); err == nil && u.Host != "" {
			host := u.Host
			p.ReferrerHost = &host
		}
	}
	p.UTMSource = nstr(qs, "utm_source")
	p.UTMMedium = nstr(qs, "utm_medium")
	p.UTMCampaign = nstr(qs, "utm_campaign")
	p.UTMTerm = nstr(qs, "utm_term")
	p.UTMContent = nstr(qs, "utm_content")
}

func extractWebRTC(p *parsedRow, qs string) {
	p.WebRTCLocalIP = nstr(qs, "rtcLocal")
	p.WebRTCPublicIP = nstr(qs, "rtcPublic")
	p.VoicesCount = nint(qs, "voicesCount")
	p.PrefersReducedMotion = nbool(qs, "reducedMotion")
	p.PrefersDark = nbool(qs, "darkMode")
	p.ForcedColors = nbool(qs, "forcedColors")
}

func extractMedia(p *parsedRow, qs string) {
	p.MediaDevices = nint(qs, "mediaDevices")
	p.AudioInputs = nint(qs, "audioInputs")
	p.VideoInputs = nint(qs, "videoInputs")
	p.PerfNavStart = nint(qs, "perfNav")
	p.PerfDOMLoad = nint(qs, "perfDom")
	p.PerfPageLoad = nint(qs, "perfLoad")
	p.BatteryLevel = nfloat(qs, "batteryLevel")
	p.BatteryCharging = nbool(qs, "batteryCharging")
}

func extractDerived(p *parsedRow, qs string) {
	p.DeviceHash = model.DeviceHashFromCarrier(qs)
	p.SessionID = srvStr(qs, "sessionId")
	p.SessionHitNum = srvInt(qs, "sessionHitNum")
	p.SessionDurationSec = srvInt(qs, "sessionDurationSec")
	p.SessionPages = srvInt(qs, "sessionPages")
	p.CulturalScore = srvInt(qs, "culturalScore")
	p.CulturalFlags = srvStr(qs, "culturalFlags")
	p.Affluence = srvStr(qs, "affluence")
	p.DeviceAge = srvInt(qs, "deviceAge")
	p.DeviceAgeAnomaly = srvBool(qs, "deviceAgeAnomaly")
	p.LeadScore = srvInt(qs, "leadScore")
	p.MatchEmail = nstr(qs, "email")
	if p.MatchEmail == nil {
		p.MatchEmail = nstr(qs, model.CustomParamPrefix+"email")
	}
	p.CustomParams = customParamsJSON(qs)
}

// customParamsJSON aggregates _cp_ pairs into one JSON object, nil when
// the hit carried none.
func customParamsJSON(qs string) []byte {
	custom := model.CustomParams(qs)
	if len(custom) == 0 {
		return nil
	}
	b, err := json.Marshal(custom)
	if err != nil {
		return nil
	}
	return b
}

// screenRes renders the "{w}x{h}" form used in the device dimension.
func screenRes(p *parsedRow) *string {
	if p.ScreenWidth == nil || p.ScreenHeight == nil {
		return nil
	}
	s := fmt.Sprintf("%dx%d", *p.ScreenWidth, *p.ScreenHeight)
	return &s
}
