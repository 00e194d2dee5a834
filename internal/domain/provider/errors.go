package provider

import "fmt"

// AuthRefreshError means a provider rejected a refresh grant. The connection
// stays unusable until it is re-provisioned out of band.
type AuthRefreshError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *AuthRefreshError) Error() string {
	return fmt.Sprintf("%s token refresh rejected (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// ProviderError is any other non-success response from a provider API.
// Body carries the provider's response for diagnostics.
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed (status %d): %s", e.Provider, e.Operation, e.StatusCode, e.Body)
}
