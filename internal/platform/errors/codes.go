// Package errors provides structured error codes shared by commonroom services.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session resolution errors
	CodeSessionMalformedCache Code = "SESSION_MALFORMED_CACHE"
	CodeSessionProfileTimeout Code = "SESSION_PROFILE_TIMEOUT"
	CodeSessionProviderError  Code = "SESSION_PROVIDER_ERROR"
	CodeSessionSignInFailed   Code = "SESSION_SIGN_IN_FAILED"
	CodeSessionSignOutFailed  Code = "SESSION_SIGN_OUT_FAILED"
	CodeSessionRedirectFailed Code = "SESSION_REDIRECT_FAILED"
	CodeSessionStopped        Code = "SESSION_STOPPED"

	// Identity errors
	CodeIdentityEmailRequired      Code = "IDENTITY_EMAIL_REQUIRED"
	CodeIdentityPasswordRequired   Code = "IDENTITY_PASSWORD_REQUIRED"
	CodeIdentityInvalidCredentials Code = "IDENTITY_INVALID_CREDENTIALS"
	CodeIdentityTokenInvalid       Code = "IDENTITY_TOKEN_INVALID"
	CodeIdentityTokenRevoked       Code = "IDENTITY_TOKEN_REVOKED"
	CodeIdentityEmailTaken         Code = "IDENTITY_EMAIL_TAKEN"

	// Bus errors
	CodeBusChannelRequired  Code = "BUS_CHANNEL_REQUIRED"
	CodeBusTransportClosed  Code = "BUS_TRANSPORT_CLOSED"
	CodeBusPayloadTooLarge  Code = "BUS_PAYLOAD_TOO_LARGE"
	CodeBusPayloadMalformed Code = "BUS_PAYLOAD_MALFORMED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeIdentityEmailRequired,
		CodeIdentityPasswordRequired,
		CodeBusChannelRequired,
		CodeBusPayloadMalformed,
		CodeSessionMalformedCache:
		return codes.InvalidArgument

	// Unauthenticated - identity could not be established
	case CodeIdentityInvalidCredentials,
		CodeIdentityTokenInvalid,
		CodeIdentityTokenRevoked,
		CodeSessionSignInFailed:
		return codes.Unauthenticated

	// FailedPrecondition - state doesn't allow operation
	case CodeSessionStopped,
		CodeBusTransportClosed:
		return codes.FailedPrecondition

	// DeadlineExceeded - bounded waits ran out
	case CodeSessionProfileTimeout:
		return codes.DeadlineExceeded

	// Unavailable - a collaborator did not answer
	case CodeSessionProviderError,
		CodeSessionSignOutFailed:
		return codes.Unavailable

	case CodeBusPayloadTooLarge:
		return codes.ResourceExhausted

	case CodeNotFound:
		return codes.NotFound

	case CodeIdentityEmailTaken:
		return codes.AlreadyExists

	default:
		return codes.Internal
	}
}
