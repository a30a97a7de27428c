package identity

import (
	"net/url"
	"strings"

	"github.com/mssola/useragent"
)

// UnknownDevice is reported when the user agent names no device model.
const UnknownDevice = "unknown"

// Page describes the host page the SDK runs in.
type Page struct {
	URL          string
	Referrer     string
	UserAgent    string
	Cookies      map[string]string
	GAClientID   string
	Locale       string
	TimeZone     string
	CountryCode  string
	CurrencyCode string
}

// Attribution builds the payload posted to /v1/attribution.
func Attribution(page Page) map[string]any {
	data := map[string]any{}
	if u, err := url.Parse(page.URL); err == nil {
		for key, values := range u.Query() {
			if len(values) == 1 {
				data[key] = values[0]
			} else {
				data[key] = append([]string(nil), values...)
			}
		}
	}
	data["user_agent"] = page.UserAgent
	data["referrer"] = page.Referrer

	out := map[string]any{
		"apphud_attribution_data": data,
	}
	if page.GAClientID != "" {
		out["firebase_id"] = page.GAClientID
	}

	fb := map[string]string{}
	if v := page.Cookies["_fbp"]; v != "" {
		fb["fbp"] = v
	}
	if v := page.Cookies["_fbc"]; v != "" {
		fb["fbc"] = v
	}
	if len(fb) > 0 {
		out["facebook_data"] = fb
	}
	return out
}

// OSVersion returns "<os name> <version>" parsed from a user agent, or ""
// when the agent names no operating system.
func OSVersion(userAgent string) string {
	info := useragent.New(userAgent).OSInfo()
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return ""
	}
	if info.Version == "" {
		return name
	}
	return name + " " + info.Version
}

// DeviceModel is the device model named by a mobile user agent, or
// UnknownDevice.
func DeviceModel(userAgent string) string {
	if model := strings.TrimSpace(useragent.New(userAgent).Model()); model != "" {
		return model
	}
	return UnknownDevice
}
