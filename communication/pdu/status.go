// SPDX-License-Identifier: Apache-2.0

package pdu

import "fmt"

// UpdateStatus is the status byte the EC acknowledges a write block with.
type UpdateStatus byte

// Write block status codes.
const (
	UpdateSuccess        UpdateStatus = 0
	UpdateBadAddr        UpdateStatus = 1
	UpdateEraseFailure   UpdateStatus = 2
	UpdateDataError      UpdateStatus = 3
	UpdateWriteFailure   UpdateStatus = 4
	UpdateVerifyError    UpdateStatus = 5
	UpdateGenError       UpdateStatus = 6
	UpdateMallocError    UpdateStatus = 7
	UpdateRollbackError  UpdateStatus = 8
	UpdateRateLimitError UpdateStatus = 9
	UpdateRWSigBusy      UpdateStatus = 10
)

var updateStatusNames = map[UpdateStatus]string{
	UpdateSuccess:        "success",
	UpdateBadAddr:        "bad address",
	UpdateEraseFailure:   "erase failure",
	UpdateDataError:      "data error",
	UpdateWriteFailure:   "write failure",
	UpdateVerifyError:    "verify error",
	UpdateGenError:       "generic error",
	UpdateMallocError:    "malloc error",
	UpdateRollbackError:  "rollback error",
	UpdateRateLimitError: "rate limit error",
	UpdateRWSigBusy:      "rwsig busy",
}

// Error implements error.
func (status UpdateStatus) Error() string {
	if name, ok := updateStatusNames[status]; ok {
		return fmt.Sprintf("update status: %s (%d)", name, byte(status))
	}
	return fmt.Sprintf("update status: %d", byte(status))
}

// ECResult is the result byte the EC answers done and extra commands with.
type ECResult byte

// EC result codes.
const (
	ResultSuccess          ECResult = 0
	ResultInvalidCommand   ECResult = 1
	ResultError            ECResult = 2
	ResultInvalidParam     ECResult = 3
	ResultAccessDenied     ECResult = 4
	ResultInvalidResponse  ECResult = 5
	ResultInvalidVersion   ECResult = 6
	ResultInvalidChecksum  ECResult = 7
	ResultInProgress       ECResult = 8
	ResultUnavailable      ECResult = 9
	ResultTimeout          ECResult = 10
	ResultOverflow         ECResult = 11
	ResultInvalidHeader    ECResult = 12
	ResultRequestTruncated ECResult = 13
	ResultResponseTooBig   ECResult = 14
	ResultBusError         ECResult = 15
	ResultBusy             ECResult = 16
)

var resultNames = map[ECResult]string{
	ResultSuccess:          "success",
	ResultInvalidCommand:   "invalid command",
	ResultError:            "error",
	ResultInvalidParam:     "invalid param",
	ResultAccessDenied:     "access denied",
	ResultInvalidResponse:  "invalid response",
	ResultInvalidVersion:   "invalid version",
	ResultInvalidChecksum:  "invalid checksum",
	ResultInProgress:       "in progress",
	ResultUnavailable:      "unavailable",
	ResultTimeout:          "timeout",
	ResultOverflow:         "overflow",
	ResultInvalidHeader:    "invalid header",
	ResultRequestTruncated: "request truncated",
	ResultResponseTooBig:   "response too big",
	ResultBusError:         "bus error",
	ResultBusy:             "busy",
}

// Error implements error.
func (result ECResult) Error() string {
	if name, ok := resultNames[result]; ok {
		return fmt.Sprintf("ec result: %s (%d)", name, byte(result))
	}
	return fmt.Sprintf("ec result: %d", byte(result))
}

// IsErrUnavailable returns true if the EC reported that the resource is not ready yet, e.g.
// pairing before entropy was injected.
func (result ECResult) IsErrUnavailable() bool {
	return result == ResultUnavailable
}

// Retryable returns true if writing the same block again may succeed.
func (status UpdateStatus) Retryable() bool {
	switch status {
	case UpdateSuccess, UpdateBadAddr, UpdateRollbackError:
		return false
	default:
		return true
	}
}
