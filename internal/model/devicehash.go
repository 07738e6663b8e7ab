package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DeviceHash identifies a device as SHA-256 over the five fingerprint
// components, concatenated in fixed order. A pure function: identical
// inputs always produce the identical hash, which is what makes the Device
// dimension stable across sessions and tenants.
func DeviceHash(canvasFP, audioFP, webglFP, fontList, screenRes string) string {
	h := sha256.Sum256([]byte(canvasFP + audioFP + webglFP + fontList + screenRes))
	return hex.EncodeToString(h[:])
}

// DeviceHashFromCarrier derives the hash from the carrier's fingerprint
// parameters. ScreenRes is "{sw}x{sh}"; absent parameters contribute empty
// strings, matching the hash of a fingerprint-less device.
func DeviceHashFromCarrier(qs string) string {
	canvas, _ := LookupParam(qs, "canvasFP")
	audio, _ := LookupParam(qs, "audioFP")
	webgl, _ := LookupParam(qs, "webglFP")
	fonts, _ := LookupParam(qs, "fonts")
	sw, _ := LookupParam(qs, "sw")
	sh, _ := LookupParam(qs, "sh")
	return DeviceHash(canvas, audio, webgl, fonts, fmt.Sprintf("%sx%s", sw, sh))
}
