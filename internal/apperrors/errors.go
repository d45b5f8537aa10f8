package apperrors

// =============================================================================
// Error Codes
// =============================================================================

type ErrorCode string

const (
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
	ErrorCodeValidationError     ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden           ErrorCode = "FORBIDDEN"
	ErrorCodeConflict            ErrorCode = "CONFLICT"
	ErrorCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrorCodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	ErrorCodeProviderDisabled    ErrorCode = "PROVIDER_DISABLED"
	ErrorCodeProviderCoolingDown ErrorCode = "PROVIDER_COOLING_DOWN"
	ErrorCodeProviderRecovering  ErrorCode = "PROVIDER_RECOVERING"
	ErrorCodeNoProviderAvailable ErrorCode = "NO_PROVIDER_AVAILABLE"
	ErrorCodeAuthTokenExpired    ErrorCode = "AUTH_TOKEN_EXPIRED"
	ErrorCodeAuthTokenInvalid    ErrorCode = "AUTH_TOKEN_INVALID"
	ErrorCodeCredentialMissing   ErrorCode = "CREDENTIAL_NOT_CONFIGURED"
	ErrorCodeEventNotFound       ErrorCode = "EVENT_NOT_FOUND"
	ErrorCodeInvalidEventType    ErrorCode = "INVALID_EVENT_TYPE"
)

// Remediation provides guidance on how to fix an error.
type Remediation struct {
	Action     string `json:"action"`
	Endpoint   string `json:"endpoint,omitempty"`
	UserAction string `json:"user_action,omitempty"`
}

// =============================================================================
// Stripe API Error Types
// =============================================================================

// ErrorType categorizes errors following Stripe API conventions.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates invalid parameters, missing required fields, etc.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAPIError indicates an internal API error.
	ErrorTypeAPIError ErrorType = "api_error"
	// ErrorTypeAuthError indicates authentication or authorization failure.
	ErrorTypeAuthError ErrorType = "authentication_error"
)

// StripeErrorBody is the Stripe-style error payload.
// Format: {"type": "invalid_request_error", "code": "NOT_FOUND", "message": "..."}
type StripeErrorBody struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// AppError is the base error type for HTTP responses.
type AppError struct {
	Code        ErrorCode
	Message     string
	StatusCode  int
	Details     map[string]any
	Remediation *Remediation
}

func (err *AppError) Error() string {
	return err.Message
}

// StripeErrorBody returns the error in Stripe API format.
func (err *AppError) StripeErrorBody() StripeErrorBody {
	// Map status code to error type
	errType := ErrorTypeAPIError
	switch {
	case err.StatusCode == 401 || err.StatusCode == 403:
		errType = ErrorTypeAuthError
	case err.StatusCode >= 400 && err.StatusCode < 500:
		errType = ErrorTypeInvalidRequest
	}

	return StripeErrorBody{
		Type:    errType,
		Code:    string(err.Code),
		Message: err.Message,
	}
}

func NewAppError(code ErrorCode, message string, statusCode int, details map[string]any, remediation *Remediation) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		StatusCode:  statusCode,
		Details:     details,
		Remediation: remediation,
	}
}

func NewValidationError(message string, details map[string]any) *AppError {
	return NewAppError(ErrorCodeValidationError, message, 400, details, nil)
}

func NewUnauthorizedError(message string, code ...ErrorCode) *AppError {
	errCode := ErrorCodeUnauthorized
	if len(code) > 0 {
		errCode = code[0]
	}
	return NewAppError(errCode, message, 401, nil, nil)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrorCodeForbidden, message, 403, nil, nil)
}

func NewNotFoundError(message string, details map[string]any) *AppError {
	return NewAppError(ErrorCodeNotFound, message, 404, details, nil)
}

func NewNotFoundResource(resource, id string) *AppError {
	message := resource + " not found"
	details := map[string]any{
		"resource": resource,
	}
	if id != "" {
		message = resource + " not found: " + id
		details["id"] = id
	}
	return NewAppError(ErrorCodeNotFound, message, 404, details, nil)
}

func NewConflictError(message string, details map[string]any) *AppError {
	return NewAppError(ErrorCodeConflict, message, 409, details, nil)
}

func NewProviderNotFound(id string) *AppError {
	return NewAppError(ErrorCodeProviderNotFound, "provider not found: "+id, 404, map[string]any{"provider": id}, nil)
}

func NewProviderDisabled(id string) *AppError {
	return NewAppError(ErrorCodeProviderDisabled, "provider is disabled: "+id, 409, map[string]any{"provider": id}, nil)
}

func NewNoProviderAvailable() *AppError {
	return NewAppError(ErrorCodeNoProviderAvailable, "no playback provider is currently available", 503, nil, &Remediation{
		Action:     "check_provider_settings",
		Endpoint:   "/v1/settings/providers",
		UserAction: "Enable at least one playback provider",
	})
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorCodeInternalError, message, 500, nil, nil)
}

// EnsureAppError converts an arbitrary error into an AppError.
func EnsureAppError(err error) *AppError {
	if err == nil {
		return NewInternalError("Unknown error")
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError("Internal server error")
}
