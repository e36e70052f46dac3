package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

var errorCodes = map[string]error{
	"InvalidVolume.NotFound":       interfaces.ErrResourceNotFound,
	"InvalidSnapshot.NotFound":     interfaces.ErrResourceNotFound,
	"InvalidInstanceID.NotFound":   interfaces.ErrResourceNotFound,
	"InvalidAMIID.NotFound":        interfaces.ErrResourceNotFound,
	"NotFoundException":            interfaces.ErrResourceNotFound,
	"NoSuchKey":                    interfaces.ErrResourceNotFound,
	"NoSuchBucket":                 interfaces.ErrResourceNotFound,
	"NoSuchUpload":                 interfaces.ErrResourceNotFound,
	"NotFound":                     interfaces.ErrResourceNotFound,
	"RequestLimitExceeded":         interfaces.ErrThrottled,
	"Throttling":                   interfaces.ErrThrottled,
	"ThrottlingException":          interfaces.ErrThrottled,
	"TooManyRequestsException":     interfaces.ErrThrottled,
	"SlowDown":                     interfaces.ErrThrottled,
	"InsufficientInstanceCapacity": interfaces.ErrCapacity,
	"InstanceLimitExceeded":        interfaces.ErrCapacity,
	"VcpuLimitExceeded":            interfaces.ErrCapacity,
	"VolumeLimitExceeded":          interfaces.ErrCapacity,
	"SnapshotLimitExceeded":        interfaces.ErrCapacity,
	"LimitExceededException":       interfaces.ErrCapacity,
	"Unsupported":                  interfaces.ErrCapacity,
	"UnauthorizedOperation":        interfaces.ErrUnauthorized,
	"AuthFailure":                  interfaces.ErrUnauthorized,
	"AccessDenied":                 interfaces.ErrUnauthorized,
	"AccessDeniedException":        interfaces.ErrUnauthorized,
	"ExpiredToken":                 interfaces.ErrUnauthorized,
	"VolumeInUse":                  interfaces.ErrAttachmentConflict,
	"InvalidParameterValue":        interfaces.ErrInvalidRequest,
	"InvalidParameterCombination":  interfaces.ErrInvalidRequest,
	"MissingParameter":             interfaces.ErrInvalidRequest,
	"ValidationException":          interfaces.ErrInvalidRequest,
	"IncorrectState":               interfaces.ErrInvalidRequest,
	"IdempotentParameterMismatch":  interfaces.ErrConflict,
	"BucketAlreadyExists":          interfaces.ErrConflict,
	"InternalError":                interfaces.ErrTransient,
	"InternalFailure":              interfaces.ErrTransient,
	"ServiceUnavailable":           interfaces.ErrTransient,
	"Unavailable":                  interfaces.ErrTransient,
	"KMSInternalException":         interfaces.ErrTransient,
	"DependencyTimeoutException":   interfaces.ErrTransient,

	request.ErrCodeResponseTimeout:          interfaces.ErrTransient,
	request.ErrCodeRequestError:             interfaces.ErrTransient,
	request.ErrCodeSerialization:            interfaces.ErrTransient,
	request.WaiterResourceNotReadyErrorCode: interfaces.ErrTimeout,
}

// WrapError converts an SDK error into an *interfaces.ProviderError. Errors
// that are not SDK errors are returned unchanged.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	if aerr.Code() == request.CanceledErrorCode {
		return fmt.Errorf("%s: %w", op, context.Canceled)
	}

	sentinel, ok := errorCodes[aerr.Code()]
	if !ok {
		switch {
		case request.IsErrorThrottle(err):
			sentinel = interfaces.ErrThrottled
		case request.IsErrorRetryable(err):
			sentinel = interfaces.ErrTransient
		default:
			sentinel = interfaces.ErrProvider
		}
	}
	return &interfaces.ProviderError{
		Provider:  interfaces.ProviderAWS,
		Op:        op,
		Code:      aerr.Code(),
		Retryable: sentinel == interfaces.ErrThrottled || sentinel == interfaces.ErrTransient,
		Err:       fmt.Errorf("%w: %w", sentinel, err),
	}
}

// errorCode returns the SDK error code of err, or "".
func errorCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}
