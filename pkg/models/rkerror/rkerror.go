package rkerror

import (
	"errors"
	"fmt"
)

const (
	RK_UNEXPECTED               = "RKU"
	RK_STALE_VERSION            = "RKSV"
	RK_RANGE_NOT_OWNED_BY_DONOR = "RKRO"
	RK_EXCEEDED_TIME_LIMIT      = "RKTL"
	RK_MIGRATION_ABORTED        = "RKMA"
	RK_KEY_OUT_OF_RANGE         = "RKKR"
	RK_INVALID_RANGE_MAP        = "RKIM"
	RK_NAMESPACE_NOT_FOUND      = "RKNF"
	RK_NAMESPACE_EXISTS         = "RKNE"
	RK_CONFLICTING_OPERATION    = "RKCO"
	RK_METADATA_CORRUPTION      = "RKMC"
	RK_SHARD_NOT_FOUND          = "RKSN"
	RK_BAD_SHARD_KEY            = "RKBK"
	RK_TASK_NOT_FOUND           = "RKTN"
	RK_MIGRATION_NOT_FOUND      = "RKMN"
)

var existingErrorCodeMap = map[string]string{
	RK_UNEXPECTED:               "Unexpected",
	RK_STALE_VERSION:            "StaleVersion",
	RK_RANGE_NOT_OWNED_BY_DONOR: "RangeNotOwnedByDonor",
	RK_EXCEEDED_TIME_LIMIT:      "ExceededTimeLimit",
	RK_MIGRATION_ABORTED:        "MigrationAborted",
	RK_KEY_OUT_OF_RANGE:         "KeyOutOfRange",
	RK_INVALID_RANGE_MAP:        "InvalidRangeMap",
	RK_NAMESPACE_NOT_FOUND:      "NamespaceNotFound",
	RK_NAMESPACE_EXISTS:         "NamespaceExists",
	RK_CONFLICTING_OPERATION:    "ConflictingOperationInProgress",
	RK_METADATA_CORRUPTION:      "MetadataCorruption",
	RK_SHARD_NOT_FOUND:          "ShardNotFound",
	RK_BAD_SHARD_KEY:            "BadShardKey",
	RK_TASK_NOT_FOUND:           "RangeDeletionTaskNotFound",
	RK_MIGRATION_NOT_FOUND:      "MigrationNotFound",
}

// GetMessageByCode returns the symbolic name of an error code.
func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

// Coded is implemented by every error that carries one of the codes above.
type Coded interface {
	error
	Code() string
}

type RKError struct {
	Err       error
	ErrorCode string
}

var _ Coded = &RKError{}

func New(errorCode string, errorMsg string) *RKError {
	return &RKError{
		Err:       errors.New(errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *RKError {
	return &RKError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

// Wrapf attaches a code to cause. The cause stays reachable through errors.Unwrap.
func Wrapf(errorCode string, cause error, format string, a ...any) *RKError {
	return &RKError{
		Err:       fmt.Errorf(format+": %w", append(a, cause)...),
		ErrorCode: errorCode,
	}
}

func (er *RKError) Error() string {
	return fmt.Sprintf("%s: %s", GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *RKError) Unwrap() error {
	return er.Err
}

func (er *RKError) Code() string {
	return er.ErrorCode
}

// Is reports whether err, or any error it wraps, carries the given code.
func Is(err error, code string) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(Coded); ok && c.Code() == code {
			return true
		}
	}
	return false
}

// CodeOf returns the outermost code found in the chain, or RK_UNEXPECTED.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return RK_UNEXPECTED
}
