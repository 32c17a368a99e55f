// Package classify maps provider and storage failures onto a small set of
// error kinds with a retry verdict and a message that is safe to show users.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
	"github.com/nats-io/nats.go"
	"github.com/sashabaranov/go-openai"
)

// Kind is the category of a failure.
type Kind string

// Error kinds.
const (
	KindThrottled          Kind = "THROTTLED"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindAuthFailure        Kind = "AUTH_FAILURE"
	KindUnknown            Kind = "UNKNOWN"
)

// User-facing messages. Raw provider text never reaches a user.
const (
	MessageThrottled   = "Audio service is busy. Please try again in a moment."
	MessageInvalid     = "Invalid voice or text format. Please try a different voice."
	MessageUnavailable = "Audio service is temporarily unavailable. Please try again later."
	MessageAuth        = "System error: service access issue. Please contact support."
	MessageUnknown     = "Audio generation failed. Please try again later."
	MessageCancelled   = "Audio generation was cancelled. Please try again."
)

// Classification is the verdict for one failure.
type Classification struct {
	Kind        Kind
	Retryable   bool
	UserMessage string
	// Code is the provider error code when one was available.
	Code string
}

// ServiceError is the structured error returned by this module's own provider
// and storage clients. Kind may be left empty to classify by Code and StatusCode.
type ServiceError struct {
	Op         string
	Code       string
	StatusCode int
	Kind       Kind
	Err        error
}

func (e *ServiceError) Error() string {
	msg := e.Op
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}

	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

var codeKinds = map[string]Kind{
	// Throttling.
	"ThrottlingException":      KindThrottled,
	"Throttling":               KindThrottled,
	"TooManyRequestsException": KindThrottled,
	"RequestLimitExceeded":     KindThrottled,
	"SlowDown":                 KindThrottled,
	"rate_limit_exceeded":      KindThrottled,
	// Bad request content.
	"InvalidParameterValue":       KindInvalidInput,
	"ValidationException":         KindInvalidInput,
	"InvalidArgument":             KindInvalidInput,
	"TextLengthExceededException": KindInvalidInput,
	"InvalidSsmlException":        KindInvalidInput,
	"EntityTooLarge":              KindInvalidInput,
	"InvalidObjectName":           KindInvalidInput,
	"invalid_request_error":       KindInvalidInput,
	"invalid_voice":               KindInvalidInput,
	// Provider side outages.
	"ServiceUnavailable":         KindServiceUnavailable,
	"ServiceFailureException":    KindServiceUnavailable,
	"InternalError":              KindServiceUnavailable,
	"InternalFailure":            KindServiceUnavailable,
	"RequestTimeout":             KindServiceUnavailable,
	"XMinioServerNotInitialized": KindServiceUnavailable,
	"server_error":               KindServiceUnavailable,
	"model_not_ready":            KindServiceUnavailable,
	// Credentials and configuration.
	"AccessDenied":                KindAuthFailure,
	"InvalidAccessKeyId":          KindAuthFailure,
	"SignatureDoesNotMatch":       KindAuthFailure,
	"ExpiredToken":                KindAuthFailure,
	"UnrecognizedClientException": KindAuthFailure,
	"NoSuchBucket":                KindAuthFailure,
	"invalid_api_key":             KindAuthFailure,
	"insufficient_quota":          KindAuthFailure,
}

var natsUnavailable = []error{
	nats.ErrTimeout,
	nats.ErrNoResponders,
	nats.ErrConnectionClosed,
	nats.ErrNoServers,
	nats.ErrDisconnected,
	nats.ErrConnectionDraining,
}

// Classify inspects err and returns its classification. A nil error yields
// the zero Classification.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: "", Retryable: false, UserMessage: "", Code: ""}
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindUnknown, Retryable: false, UserMessage: MessageCancelled, Code: ""}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ForKind(KindServiceUnavailable, "")
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		if serviceErr.Kind != "" {
			return ForKind(serviceErr.Kind, serviceErr.Code)
		}

		if kind, ok := kindFor(serviceErr.Code, serviceErr.StatusCode); ok {
			return ForKind(kind, serviceErr.Code)
		}
	}

	if classification, ok := classifyVendor(err); ok {
		return classification
	}

	if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
		return ForKind(KindAuthFailure, "")
	}

	for _, target := range natsUnavailable {
		if errors.Is(err, target) {
			return ForKind(KindServiceUnavailable, "")
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ForKind(KindServiceUnavailable, "")
	}

	return ForKind(KindUnknown, "")
}

// classifyVendor handles the error types of the SDKs this module talks through.
func classifyVendor(err error) (Classification, bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := kindFor(apiErr.ErrorCode(), statusOf(err)); ok {
			return ForKind(kind, apiErr.ErrorCode()), true
		}
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		if kind, ok := kindFor(minioErr.Code, minioErr.StatusCode); ok {
			return ForKind(kind, minioErr.Code), true
		}
	}

	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		code := fmt.Sprint(openaiErr.Code)
		if openaiErr.Code == nil {
			code = openaiErr.Type
		}

		if kind, ok := kindFor(code, openaiErr.HTTPStatusCode); ok {
			return ForKind(kind, code), true
		}
	}

	var requestErr *openai.RequestError
	if errors.As(err, &requestErr) {
		if kind, ok := kindFor("", requestErr.HTTPStatusCode); ok {
			return ForKind(kind, ""), true
		}
	}

	return Classification{Kind: "", Retryable: false, UserMessage: "", Code: ""}, false
}

// statusOf extracts an HTTP status from SDK response errors that expose one.
func statusOf(err error) int {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}

	return 0
}

func kindFor(code string, status int) (Kind, bool) {
	if kind, ok := codeKinds[code]; ok {
		return kind, true
	}

	switch {
	case status == http.StatusTooManyRequests:
		return KindThrottled, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailure, true
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return KindServiceUnavailable, true
	case status >= http.StatusBadRequest:
		return KindInvalidInput, true
	default:
		return "", false
	}
}

// ForKind builds the classification of a known kind.
func ForKind(kind Kind, code string) Classification {
	switch kind {
	case KindThrottled:
		return Classification{Kind: kind, Retryable: true, UserMessage: MessageThrottled, Code: code}
	case KindInvalidInput:
		return Classification{Kind: kind, Retryable: false, UserMessage: MessageInvalid, Code: code}
	case KindServiceUnavailable:
		return Classification{Kind: kind, Retryable: true, UserMessage: MessageUnavailable, Code: code}
	case KindAuthFailure:
		return Classification{Kind: kind, Retryable: false, UserMessage: MessageAuth, Code: code}
	case KindUnknown:
		return Classification{Kind: kind, Retryable: true, UserMessage: MessageUnknown, Code: code}
	default:
		return Classification{Kind: KindUnknown, Retryable: true, UserMessage: MessageUnknown, Code: code}
	}
}
