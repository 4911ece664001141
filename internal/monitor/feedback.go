package monitor

import (
	"strings"

	"ledgerbot/internal/delivery"
)

var replyMarkers = delivery.ReplyMarkers()

// isSystemReply reports whether content carries a structural fragment of
// the pipeline's own reply templates. Replies posted into a monitored
// channel come back on the next poll; without this check each one would
// be classified and answered again, forever.
func isSystemReply(content string) bool {
	for _, m := range replyMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}
