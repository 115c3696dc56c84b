package httpclient

import (
	"net/url"
	"strings"
)

// Request describes an outbound call.
type Request struct {
	Method string
	// Path is joined to BaseURL unless it is already absolute.
	Path    string
	Headers map[string]string
	Query   url.Values
	// Body accepts io.Reader, []byte, string, *MultipartBody, or any value
	// that will be JSON-encoded.
	Body any
	// Auth overrides the client-level auth for this request.
	Auth *AuthConfig
}

// Response is a fully-read upstream response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// ContentType returns the lower-cased media type without parameters.
func (r *Response) ContentType() string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, "Content-Type") {
			mt, _, _ := strings.Cut(v, ";")
			return strings.ToLower(strings.TrimSpace(mt))
		}
	}
	return ""
}
