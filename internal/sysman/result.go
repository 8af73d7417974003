package sysman

import "fmt"

// Result is the driver status code returned by every entry point.
type Result uint32

const (
	Success  Result = 0
	NotReady Result = 1

	ErrorDeviceLost              Result = 0x70000001
	ErrorOutOfHostMemory         Result = 0x70000002
	ErrorOutOfDeviceMemory       Result = 0x70000003
	ErrorInsufficientPermissions Result = 0x70010000
	ErrorNotAvailable            Result = 0x70010001

	ErrorUninitialized      Result = 0x78000001
	ErrorUnsupportedVersion Result = 0x78000002
	ErrorUnsupportedFeature Result = 0x78000003
	ErrorInvalidArgument    Result = 0x78000004
	ErrorInvalidNullHandle  Result = 0x78000005
	ErrorHandleObjectInUse  Result = 0x78000006
	ErrorInvalidNullPointer Result = 0x78000007
	ErrorInvalidSize        Result = 0x78000008
	ErrorUnsupportedSize    Result = 0x78000009
	ErrorInvalidEnumeration Result = 0x7800000c

	ErrorUnknown Result = 0x7fffffff
)

var resultNames = map[Result]string{
	Success:                      "SUCCESS",
	NotReady:                     "NOT_READY",
	ErrorDeviceLost:              "ERROR_DEVICE_LOST",
	ErrorOutOfHostMemory:         "ERROR_OUT_OF_HOST_MEMORY",
	ErrorOutOfDeviceMemory:       "ERROR_OUT_OF_DEVICE_MEMORY",
	ErrorInsufficientPermissions: "ERROR_INSUFFICIENT_PERMISSIONS",
	ErrorNotAvailable:            "ERROR_NOT_AVAILABLE",
	ErrorUninitialized:           "ERROR_UNINITIALIZED",
	ErrorUnsupportedVersion:      "ERROR_UNSUPPORTED_VERSION",
	ErrorUnsupportedFeature:      "ERROR_UNSUPPORTED_FEATURE",
	ErrorInvalidArgument:         "ERROR_INVALID_ARGUMENT",
	ErrorInvalidNullHandle:       "ERROR_INVALID_NULL_HANDLE",
	ErrorHandleObjectInUse:       "ERROR_HANDLE_OBJECT_IN_USE",
	ErrorInvalidNullPointer:      "ERROR_INVALID_NULL_POINTER",
	ErrorInvalidSize:             "ERROR_INVALID_SIZE",
	ErrorUnsupportedSize:         "ERROR_UNSUPPORTED_SIZE",
	ErrorInvalidEnumeration:      "ERROR_INVALID_ENUMERATION",
	ErrorUnknown:                 "ERROR_UNKNOWN",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RESULT_0x%08x", uint32(r))
}

// Error lets a failing Result travel as an error value.
func (r Result) Error() string {
	return r.String()
}

// IsSuccess reports whether r is Success.
func (r Result) IsSuccess() bool {
	return r == Success
}
