package domain

import "strings"

// Vendor identifies the upstream model family whose turn shape is stored.
type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorXAI       Vendor = "xai"
	VendorGoogle    Vendor = "google"
	VendorUnknown   Vendor = "unknown"
)

// Vendors lists the supported vendor families.
var Vendors = []Vendor{VendorOpenAI, VendorAnthropic, VendorXAI, VendorGoogle}

// ParseVendor maps a brand tag to a Vendor, case-insensitively.
// Unrecognized tags map to VendorUnknown.
func ParseVendor(tag string) Vendor {
	switch Vendor(strings.ToLower(strings.TrimSpace(tag))) {
	case VendorOpenAI:
		return VendorOpenAI
	case VendorAnthropic:
		return VendorAnthropic
	case VendorXAI:
		return VendorXAI
	case VendorGoogle:
		return VendorGoogle
	default:
		return VendorUnknown
	}
}

// Known reports whether v is one of the supported families.
func (v Vendor) Known() bool {
	return v != VendorUnknown && ParseVendor(string(v)) == v
}
