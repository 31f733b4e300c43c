// Package browser identifies the browser from its User-Agent string.
// Only Google Chrome is supported for proctored attempts.
package browser

import "regexp"

// Unknown is reported for anything not recognised.
const Unknown = "Unknown"

// Info describes the detected browser.
type Info struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	IsChrome bool   `json:"isChrome"`
}

var (
	chromeRe        = regexp.MustCompile(`Chrome`)
	chromiumForkRe  = regexp.MustCompile(`Edg|OPR`)
	chromeVersionRe = regexp.MustCompile(`Chrome/([\d.]+)`)
	firefoxRe       = regexp.MustCompile(`Firefox`)
	safariRe        = regexp.MustCompile(`Safari`)
	edgeRe          = regexp.MustCompile(`Edg`)
)

// Detect classifies ua. Chromium forks (Edge, Opera) announce themselves
// as Chrome and are excluded explicitly. Edge is tested before Safari
// because every Chromium User-Agent also carries a Safari token.
// Only Chrome gets a version.
func Detect(ua string) Info {
	switch {
	case chromeRe.MatchString(ua) && !chromiumForkRe.MatchString(ua):
		version := Unknown
		if m := chromeVersionRe.FindStringSubmatch(ua); m != nil {
			version = m[1]
		}
		return Info{Name: "Google Chrome", Version: version, IsChrome: true}
	case firefoxRe.MatchString(ua):
		return Info{Name: "Firefox", Version: Unknown}
	case edgeRe.MatchString(ua):
		return Info{Name: "Edge", Version: Unknown}
	case safariRe.MatchString(ua):
		return Info{Name: "Safari", Version: Unknown}
	}
	return Info{Name: Unknown, Version: Unknown}
}

// Metadata renders info as BROWSER_DETECTED event metadata.
func (i Info) Metadata() map[string]any {
	return map[string]any{
		"name":     i.Name,
		"version":  i.Version,
		"isChrome": i.IsChrome,
	}
}
