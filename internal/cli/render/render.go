package render

import (
	"encoding/json"
	"fmt"
	"io"

	httpclient "benchboard/internal/cli/http"
)

// Response writes the status line and body of resp.
func Response(w io.Writer, resp httpclient.ResponseInfo, pretty bool) {
	_, _ = fmt.Fprintf(w, "HTTP %d (%s)\n", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if pretty {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			_, _ = fmt.Fprintf(w, "%s\n", formatted)
			return
		}
	}
	_, _ = fmt.Fprintf(w, "%s\n", resp.Body)
}

// MaskToken hides all but the ends of a token.
func MaskToken(token string) string {
	if len(token) > 12 {
		return token[:6] + "..." + token[len(token)-4:]
	}
	return token
}
