package relayerr

import "regexp"

// Upstream error bodies may embed internal routing tags such as
// "[pool-3/acct-7]". Those never reach clients.
var routingTagPattern = regexp.MustCompile(`\[[^\[\]\s]+/[^\[\]\s]+\]\s*`)

// SanitizeBody strips internal routing tags from an upstream error body
// before it is forwarded.
func SanitizeBody(body string) string {
	return routingTagPattern.ReplaceAllString(body, "")
}
