package common

// ErrorResponse is the error envelope returned by the control API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service,omitempty"`
}
