package calllog

import "strings"

// lineLabel extracts the short line name from a technology-qualified channel
// name: "PJSIP/8gfq9ytw-00000042" yields "8gfq9ytw". The label is the text
// after the first "/" up to the first of "-", ";", ":" or "@".
func lineLabel(channelName string) string {
	_, rest, ok := strings.Cut(channelName, "/")
	if !ok || rest == "" {
		return ""
	}
	if i := strings.IndexAny(rest, "-;:@"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
