// Package quirks selects the WWW-Authenticate challenge parameter name to use
// for a given client. RFC 9728 names the parameter "resource_metadata", but
// some deployed clients only recognize the draft-era "resource_metadata_url"
// spelling. Exactly one of the two is emitted per challenge.
package quirks

import "strings"

// HeaderVariant names which challenge parameter a client understands.
type HeaderVariant int

const (
	// ResourceMetadata is the RFC 9728 parameter name.
	ResourceMetadata HeaderVariant = iota
	// ResourceMetadataURL is the legacy draft spelling.
	ResourceMetadataURL
)

// ParamName returns the literal challenge parameter name.
func (v HeaderVariant) ParamName() string {
	if v == ResourceMetadataURL {
		return "resource_metadata_url"
	}
	return "resource_metadata"
}

// rule matches a client by User-Agent substring and/or declared client name
// substring. Empty fields match anything; both comparisons are
// case-insensitive.
type rule struct {
	userAgentContains  string
	clientNameContains string
	variant            HeaderVariant
}

// rules is evaluated in order; the first match wins. Entries exist only for
// clients observed to require the legacy spelling.
var rules = []rule{
	{userAgentContains: "node", clientNameContains: "claude", variant: ResourceMetadataURL},
	{userAgentContains: "claude-code", variant: ResourceMetadataURL},
	{clientNameContains: "legacy", variant: ResourceMetadataURL},
}

// VariantFor picks the challenge parameter variant for a request. userAgent
// is the User-Agent header; clientName is the registered client_name of the
// requesting client, when known (empty otherwise). Unknown clients get the
// RFC 9728 default.
func VariantFor(userAgent, clientName string) HeaderVariant {
	ua := strings.ToLower(userAgent)
	name := strings.ToLower(clientName)
	for _, r := range rules {
		if r.userAgentContains != "" && !strings.Contains(ua, r.userAgentContains) {
			continue
		}
		if r.clientNameContains != "" && !strings.Contains(name, r.clientNameContains) {
			continue
		}
		return r.variant
	}
	return ResourceMetadata
}
