package http

// ResourceQuery selects a resource for owners/waiters queries.
type ResourceQuery struct {
	Resource string `validate:"required,max=1024"`
}

// CallerQuery selects a caller for owned/waited queries.
type CallerQuery struct {
	Caller string `validate:"required,max=1024"`
}

// ReleaseRequest is the body of POST /admin/{scope}/release.
type ReleaseRequest struct {
	Resource string `json:"resource" validate:"required,max=1024"`
}

// ValuesResponse wraps every list result.
type ValuesResponse struct {
	Values []string `json:"values"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
