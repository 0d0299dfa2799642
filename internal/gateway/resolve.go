package gateway

import (
	"net/http"
	"strings"
)

// DefaultWorkspaceID is the shared room for connections that name no
// workspace.
const DefaultWorkspaceID = "default"

// ResolveWorkspaceID picks the workspace of a connection from the room or
// workspaceId query parameter, then the first path segment. Blank values
// fall through to the next source and finally to the default room.
func ResolveWorkspaceID(r *http.Request) string {
	query := r.URL.Query()
	for _, key := range []string{"room", "workspaceId"} {
		if v := strings.TrimSpace(query.Get(key)); v != "" {
			return v
		}
	}
	trimmed := strings.Trim(r.URL.Path, "/")
	if first, _, _ := strings.Cut(trimmed, "/"); strings.TrimSpace(first) != "" && first != "ws" {
		return strings.TrimSpace(first)
	}
	return DefaultWorkspaceID
}
