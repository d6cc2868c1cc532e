package testutil

import (
	"net/http"
	"time"

	"verigate/pkg/requestcontext"
)

// WithSubject attaches an authenticated subject id to the request context,
// simulating what the auth middleware does for a verified token.
func WithSubject(req *http.Request, subjectID string) *http.Request {
	return req.WithContext(requestcontext.WithSubjectID(req.Context(), subjectID))
}

// WithRequestTime pins the request-scoped clock, simulating the request
// metadata middleware for time-sensitive assertions.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
