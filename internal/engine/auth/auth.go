package auth

import "fmt"

// AuthorizationError indicates an attempt to touch a record owned by another site.
type AuthorizationError struct {
	Resource string
}

func (e AuthorizationError) Error() string {
	resource := e.Resource
	if resource == "" {
		resource = "task"
	}
	return fmt.Sprintf("not authorized to modify a %s belonging to another site", resource)
}

// RequireSite fails unless the record's site matches the requesting site.
// An empty request site never matches.
func RequireSite(resource, recordSite, requestSite string) error {
	if requestSite == "" || recordSite != requestSite {
		return AuthorizationError{Resource: resource}
	}
	return nil
}
