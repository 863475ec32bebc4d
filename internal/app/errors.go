package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotSignedIn() *DomainError {
	return domainError(401, "NOT_SIGNED_IN", "Sign in required", nil)
}

func errForbidden() *DomainError {
	return domainError(403, "FORBIDDEN", "Forbidden", nil)
}

func errNotFound(message string) *DomainError {
	return domainError(404, "NOT_FOUND", message, nil)
}

func errConflict(message string, details any) *DomainError {
	return domainError(409, "CONFLICT", message, details)
}

func errInvariantViolation(message string) *DomainError {
	return domainError(422, "INVARIANT_VIOLATION", message, nil)
}

func errProfileMissing() *DomainError {
	return domainError(500, "PROFILE_MISSING", "Profile record missing for authenticated user", nil)
}
