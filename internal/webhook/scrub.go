package webhook

import (
	"github.com/tidwall/sjson"
)

// Payload fields that must never land in logs: author identity and any
// token-bearing URLs the host embeds in the event.
var scrubbedPaths = []string{
	"user",
	"object_attributes.author_id",
	"object_attributes.assignee_ids",
	"project.git_http_url",
	"project.git_ssh_url",
	"repository",
}

// scrubForLog removes sensitive fields from a payload and truncates it
// for use as a debug-log preview.
func scrubForLog(body []byte, max int) string {
	scrubbed := body
	for _, path := range scrubbedPaths {
		if out, err := sjson.DeleteBytes(scrubbed, path); err == nil {
			scrubbed = out
		}
	}

	if len(scrubbed) > max {
		return string(scrubbed[:max]) + "...(truncated)"
	}
	return string(scrubbed)
}
