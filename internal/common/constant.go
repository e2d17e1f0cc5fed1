// Package common contains shared constants and sentinel errors used across
// the CRM auth server and its clients.
package common

const (
	// AccessTokenHeaderName is the gRPC metadata key used to carry the
	// access token on inbound and outbound requests.
	AccessTokenHeaderName = "access_token"

	// UserAgentHeaderName carries the caller's device description.
	UserAgentHeaderName = "user-agent"

	// ForwardedForHeaderName carries the original client address when the
	// server sits behind a proxy. Only the first entry is used.
	ForwardedForHeaderName = "x-forwarded-for"
)
