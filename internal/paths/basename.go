package paths

import (
	"fmt"
	"regexp"
)

var unsafeBasenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// formatBasename sanitises the session id (which is an opaque string that
// may contain characters unsafe for a filename) and joins it with the
// timestamp and content hash into the shared raw/projection basename.
func formatBasename(timestampUnix int64, sessionID, contentHash string) string {
	safeSession := unsafeBasenameChars.ReplaceAllString(sessionID, "_")
	return fmt.Sprintf("%d-%s-%s", timestampUnix, safeSession, contentHash)
}
