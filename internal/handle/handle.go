package handle

import (
	"fmt"
	"unsafe"
)

// Handle is an opaque identifier returned by the driver. The engine tracks it
// by identity only and never dereferences it.
type Handle uint64

// Null is the zero handle value.
const Null Handle = 0

// String formats the handle the way the driver trace prints pointers.
func (h Handle) String() string {
	return fmt.Sprintf("0x%x", uint64(h))
}

// MarshalText renders the handle in its String form in reports.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// AddressOf returns the storage identity of a count output parameter. The
// identity is an address and can be reused after the count is freed.
func AddressOf(count *uint32) Handle {
	if count == nil {
		return Null
	}
	return Handle(uintptr(unsafe.Pointer(count)))
}

// Type is a diagnostic tag for the kind of object behind a handle.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeDriver
	TypeDevice
	TypePower
	TypeFrequency
	TypeFan
	TypeEngine
	TypeRas
	TypeFirmware
	TypeDiagnostics
	TypeTemperature
	TypeMemory
	TypeFabricPort
	TypeStandby
	TypeLed
	TypePsu
	TypePerformance
	TypeScheduler
	TypeOverclock
	TypeVF
	TypeContext
	TypeEventPool
	TypeEvent
	TypeCount
)

var typeNames = map[Type]string{
	TypeUnknown:     "unknown",
	TypeDriver:      "driver",
	TypeDevice:      "device",
	TypePower:       "power",
	TypeFrequency:   "frequency",
	TypeFan:         "fan",
	TypeEngine:      "engine",
	TypeRas:         "ras",
	TypeFirmware:    "firmware",
	TypeDiagnostics: "diagnostics",
	TypeTemperature: "temperature",
	TypeMemory:      "memory",
	TypeFabricPort:  "fabric_port",
	TypeStandby:     "standby",
	TypeLed:         "led",
	TypePsu:         "psu",
	TypePerformance: "performance",
	TypeScheduler:   "scheduler",
	TypeOverclock:   "overclock",
	TypeVF:          "vf",
	TypeContext:     "context",
	TypeEventPool:   "event_pool",
	TypeEvent:       "event",
	TypeCount:       "count",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseType returns the type named name.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Info is a snapshot of a registry entry.
type Info struct {
	Handle    Handle
	Type      Type
	Live      bool
	Root      bool
	Parent    Handle
	HasParent bool
}
