package sysman

import (
	"fmt"
	"sort"

	"github.com/fxnlabs/zesval/internal/handle"
)

// CallID identifies an entry point.
type CallID uint16

const (
	CallInit CallID = iota + 1
	CallDriverGet
	CallDriverGetExtensionProperties
	CallDeviceGet
	CallDeviceGetProperties
	CallDeviceGetState
	CallDeviceReset
	CallDeviceResetExt
	CallDeviceProcessesGetState
	CallDeviceEnumPowerDomains
	CallDeviceGetCardPowerDomain
	CallPowerGetProperties
	CallPowerGetEnergyCounter
	CallPowerGetLimitsExt
	CallDeviceEnumFrequencyDomains
	CallFrequencyGetState
	CallFrequencySetRange
	CallDeviceEnumFans
	CallFanGetState
	CallFanSetDefaultMode
	CallDeviceEnumEngineGroups
	CallEngineGetActivity
	CallDeviceEnumRasErrorSets
	CallRasGetState
	CallDeviceEnumFirmwares
	CallFirmwareGetProperties
	CallFirmwareFlash
	CallDeviceEnumDiagnosticTestSuites
	CallDiagnosticsRunTests
	CallDeviceEnumTemperatureSensors
	CallTemperatureGetState
	CallDeviceEnumMemoryModules
	CallMemoryGetState
	CallDeviceEnumFabricPorts
	CallFabricPortGetLinkType
	CallFabricPortGetMultiPortThroughput
	CallDeviceEnumStandbyDomains
	CallStandbySetMode
	CallDeviceEnumLeds
	CallLedSetState
	CallDeviceEnumPsus
	CallPsuGetState
	CallDeviceEnumPerformanceFactorDomains
	CallPerformanceFactorGetConfig
	CallDeviceEnumSchedulers
	CallSchedulerGetCurrentMode
	CallDeviceEnumOverclockDomains
	CallOverclockGetDomainProperties
	CallDeviceEnumEnabledVFExp
	CallVFManagementGetVFCapabilitiesExp
	CallContextCreate
	CallContextDestroy
	CallEventPoolCreate
	CallEventPoolDestroy
	CallEventCreate
	CallEventDestroy
)

func (id CallID) String() string {
	if sig, ok := catalog[id]; ok {
		return sig.Name
	}
	return fmt.Sprintf("call(%d)", uint16(id))
}

// Enumerator bounds used by the catalog.
const (
	maxInitFlags   = 1
	maxFanUnits    = 1
	maxStandbyMode = 1
)

var catalog = map[CallID]*Signature{}

func register(sig *Signature) {
	if _, dup := catalog[sig.ID]; dup {
		panic(fmt.Sprintf("sysman: duplicate signature for %s", sig.Name))
	}
	catalog[sig.ID] = sig
}

// query declares a call that reads or writes state of one component handle.
func query(id CallID, name, handleName string, typ handle.Type, extra ...Param) {
	register(&Signature{
		ID:        id,
		Name:      name,
		Semantics: Query,
		Target:    NoParam,
		Params:    append([]Param{handleIn(handleName, typ)}, extra...),
	})
}

// enumeration declares a two-phase count+array enumeration of device
// components.
func enumeration(id CallID, name, arrayName string, typ handle.Type) {
	register(&Signature{
		ID:        id,
		Name:      name,
		Semantics: Enumerate,
		Target:    NoParam,
		Params: []Param{
			handleIn("hDevice", handle.TypeDevice),
			countOut("pCount"),
			handleArrayOut(arrayName, typ, 0, 1),
		},
	})
}

func init() {
	register(&Signature{
		ID: CallInit, Name: "zesInit", Semantics: Init, Target: NoParam,
		Params: []Param{enum("flags", maxInitFlags)},
	})
	register(&Signature{
		ID: CallDriverGet, Name: "zesDriverGet", Semantics: Enumerate, Target: NoParam,
		Params: []Param{
			countOut("pCount"),
			handleArrayOut("phDrivers", handle.TypeDriver, NoParam, 0),
		},
	})
	query(CallDriverGetExtensionProperties, "zesDriverGetExtensionProperties", "hDriver", handle.TypeDriver,
		countOut("pCount"), optionalPointer("pExtensionProperties", InOut))
	register(&Signature{
		ID: CallDeviceGet, Name: "zesDeviceGet", Semantics: Enumerate, Target: NoParam,
		Params: []Param{
			handleIn("hDriver", handle.TypeDriver),
			countOut("pCount"),
			handleArrayOut("phDevices", handle.TypeDevice, 0, 1),
		},
	})
	query(CallDeviceGetProperties, "zesDeviceGetProperties", "hDevice", handle.TypeDevice, pointer("pProperties", InOut))
	query(CallDeviceGetState, "zesDeviceGetState", "hDevice", handle.TypeDevice, pointer("pState", InOut))
	register(&Signature{
		ID: CallDeviceReset, Name: "zesDeviceReset", Semantics: Reset, Target: 0,
		Params: []Param{handleIn("hDevice", handle.TypeDevice), value("force")},
	})
	register(&Signature{
		ID: CallDeviceResetExt, Name: "zesDeviceResetExt", Semantics: Reset, Target: 0,
		Params: []Param{handleIn("hDevice", handle.TypeDevice), pointer("pProperties", In)},
	})
	query(CallDeviceProcessesGetState, "zesDeviceProcessesGetState", "hDevice", handle.TypeDevice,
		countOut("pCount"), optionalPointer("pProcesses", InOut))

	enumeration(CallDeviceEnumPowerDomains, "zesDeviceEnumPowerDomains", "phPower", handle.TypePower)
	register(&Signature{
		ID: CallDeviceGetCardPowerDomain, Name: "zesDeviceGetCardPowerDomain", Semantics: LookupChild, Target: NoParam,
		Params: []Param{
			handleIn("hDevice", handle.TypeDevice),
			handleOut("phPower", handle.TypePower, 0),
		},
	})
	query(CallPowerGetProperties, "zesPowerGetProperties", "hPower", handle.TypePower, pointer("pProperties", InOut))
	query(CallPowerGetEnergyCounter, "zesPowerGetEnergyCounter", "hPower", handle.TypePower, pointer("pEnergy", InOut))
	query(CallPowerGetLimitsExt, "zesPowerGetLimitsExt", "hPower", handle.TypePower,
		countOut("pCount"), optionalPointer("pSustained", InOut))

	enumeration(CallDeviceEnumFrequencyDomains, "zesDeviceEnumFrequencyDomains", "phFrequency", handle.TypeFrequency)
	query(CallFrequencyGetState, "zesFrequencyGetState", "hFrequency", handle.TypeFrequency, pointer("pState", InOut))
	query(CallFrequencySetRange, "zesFrequencySetRange", "hFrequency", handle.TypeFrequency, pointer("pLimits", In))

	enumeration(CallDeviceEnumFans, "zesDeviceEnumFans", "phFan", handle.TypeFan)
	query(CallFanGetState, "zesFanGetState", "hFan", handle.TypeFan, enum("units", maxFanUnits), pointer("pSpeed", InOut))
	query(CallFanSetDefaultMode, "zesFanSetDefaultMode", "hFan", handle.TypeFan)

	enumeration(CallDeviceEnumEngineGroups, "zesDeviceEnumEngineGroups", "phEngine", handle.TypeEngine)
	query(CallEngineGetActivity, "zesEngineGetActivity", "hEngine", handle.TypeEngine, pointer("pStats", InOut))

	enumeration(CallDeviceEnumRasErrorSets, "zesDeviceEnumRasErrorSets", "phRas", handle.TypeRas)
	query(CallRasGetState, "zesRasGetState", "hRas", handle.TypeRas, value("clear"), pointer("pState", InOut))

	enumeration(CallDeviceEnumFirmwares, "zesDeviceEnumFirmwares", "phFirmware", handle.TypeFirmware)
	query(CallFirmwareGetProperties, "zesFirmwareGetProperties", "hFirmware", handle.TypeFirmware, pointer("pProperties", InOut))
	query(CallFirmwareFlash, "zesFirmwareFlash", "hFirmware", handle.TypeFirmware, pointer("pImage", In), value("size"))

	enumeration(CallDeviceEnumDiagnosticTestSuites, "zesDeviceEnumDiagnosticTestSuites", "phDiagnostics", handle.TypeDiagnostics)
	query(CallDiagnosticsRunTests, "zesDiagnosticsRunTests", "hDiagnostics", handle.TypeDiagnostics,
		value("startIndex"), value("endIndex"), pointer("pResult", InOut))

	enumeration(CallDeviceEnumTemperatureSensors, "zesDeviceEnumTemperatureSensors", "phTemperature", handle.TypeTemperature)
	query(CallTemperatureGetState, "zesTemperatureGetState", "hTemperature", handle.TypeTemperature, pointer("pTemperature", InOut))

	enumeration(CallDeviceEnumMemoryModules, "zesDeviceEnumMemoryModules", "phMemory", handle.TypeMemory)
	query(CallMemoryGetState, "zesMemoryGetState", "hMemory", handle.TypeMemory, pointer("pState", InOut))

	enumeration(CallDeviceEnumFabricPorts, "zesDeviceEnumFabricPorts", "phPort", handle.TypeFabricPort)
	query(CallFabricPortGetLinkType, "zesFabricPortGetLinkType", "hPort", handle.TypeFabricPort, pointer("pLinkType", InOut))
	register(&Signature{
		ID: CallFabricPortGetMultiPortThroughput, Name: "zesFabricPortGetMultiPortThroughput", Semantics: Query, Target: NoParam,
		Params: []Param{
			handleIn("hDevice", handle.TypeDevice),
			value("numPorts"),
			handleArrayIn("phPort", handle.TypeFabricPort, 0, 1),
			pointer("pThroughput", InOut),
		},
	})

	enumeration(CallDeviceEnumStandbyDomains, "zesDeviceEnumStandbyDomains", "phStandby", handle.TypeStandby)
	query(CallStandbySetMode, "zesStandbySetMode", "hStandby", handle.TypeStandby, enum("mode", maxStandbyMode))

	enumeration(CallDeviceEnumLeds, "zesDeviceEnumLeds", "phLed", handle.TypeLed)
	query(CallLedSetState, "zesLedSetState", "hLed", handle.TypeLed, value("enable"))

	enumeration(CallDeviceEnumPsus, "zesDeviceEnumPsus", "phPsu", handle.TypePsu)
	query(CallPsuGetState, "zesPsuGetState", "hPsu", handle.TypePsu, pointer("pState", InOut))

	enumeration(CallDeviceEnumPerformanceFactorDomains, "zesDeviceEnumPerformanceFactorDomains", "phPerf", handle.TypePerformance)
	query(CallPerformanceFactorGetConfig, "zesPerformanceFactorGetConfig", "hPerf", handle.TypePerformance, pointer("pFactor", InOut))

	enumeration(CallDeviceEnumSchedulers, "zesDeviceEnumSchedulers", "phScheduler", handle.TypeScheduler)
	query(CallSchedulerGetCurrentMode, "zesSchedulerGetCurrentMode", "hScheduler", handle.TypeScheduler, pointer("pMode", InOut))

	enumeration(CallDeviceEnumOverclockDomains, "zesDeviceEnumOverclockDomains", "phDomainHandle", handle.TypeOverclock)
	query(CallOverclockGetDomainProperties, "zesOverclockGetDomainProperties", "hDomainHandle", handle.TypeOverclock,
		pointer("pDomainProperties", InOut))

	enumeration(CallDeviceEnumEnabledVFExp, "zesDeviceEnumEnabledVFExp", "phVFhandle", handle.TypeVF)
	query(CallVFManagementGetVFCapabilitiesExp, "zesVFManagementGetVFCapabilitiesExp", "hVFhandle", handle.TypeVF,
		pointer("pCapability", InOut))

	register(&Signature{
		ID: CallContextCreate, Name: "zeContextCreate", Semantics: Create, Target: NoParam, Family: "context",
		Params: []Param{
			handleIn("hDriver", handle.TypeDriver),
			pointer("desc", In),
			handleOut("phContext", handle.TypeContext, 0),
		},
	})
	register(&Signature{
		ID: CallContextDestroy, Name: "zeContextDestroy", Semantics: Destroy, Target: 0, Family: "context",
		Params: []Param{handleIn("hContext", handle.TypeContext)},
	})
	register(&Signature{
		ID: CallEventPoolCreate, Name: "zeEventPoolCreate", Semantics: Create, Target: NoParam, Family: "event_pool",
		Params: []Param{
			handleIn("hContext", handle.TypeContext),
			pointer("desc", In),
			handleOut("phEventPool", handle.TypeEventPool, 0),
		},
	})
	register(&Signature{
		ID: CallEventPoolDestroy, Name: "zeEventPoolDestroy", Semantics: Destroy, Target: 0, Family: "event_pool",
		Params: []Param{handleIn("hEventPool", handle.TypeEventPool)},
	})
	register(&Signature{
		ID: CallEventCreate, Name: "zeEventCreate", Semantics: Create, Target: NoParam, Family: "event",
		Params: []Param{
			handleIn("hEventPool", handle.TypeEventPool),
			pointer("desc", In),
			handleOut("phEvent", handle.TypeEvent, 0),
		},
	})
	register(&Signature{
		ID: CallEventDestroy, Name: "zeEventDestroy", Semantics: Destroy, Target: 0, Family: "event",
		Params: []Param{handleIn("hEvent", handle.TypeEvent)},
	})
}

// Lookup returns the signature of id.
func Lookup(id CallID) (*Signature, bool) {
	sig, ok := catalog[id]
	return sig, ok
}

// Signatures returns every catalog entry ordered by id.
func Signatures() []*Signature {
	out := make([]*Signature, 0, len(catalog))
	for _, sig := range catalog {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Families returns the object families that have both a Create and a
// Destroy entry point.
func Families() []string {
	created := map[string]bool{}
	destroyed := map[string]bool{}
	for _, sig := range catalog {
		switch sig.Semantics {
		case Create:
			created[sig.Family] = true
		case Destroy:
			destroyed[sig.Family] = true
		}
	}
	var out []string
	for f := range created {
		if f != "" && destroyed[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// CreatedTypes returns the handle types produced by Create calls. Live
// handles of these types at teardown were never destroyed.
func CreatedTypes() []handle.Type {
	seen := map[handle.Type]bool{}
	var out []handle.Type
	for _, sig := range Signatures() {
		if sig.Semantics != Create {
			continue
		}
		if typ := sig.Params[sig.Produces()].Type; !seen[typ] {
			seen[typ] = true
			out = append(out, typ)
		}
	}
	return out
}

// FamilyType returns the handle type created by the Create call of family.
func FamilyType(family string) (handle.Type, bool) {
	for _, sig := range Signatures() {
		if sig.Semantics == Create && sig.Family == family {
			return sig.Params[sig.Produces()].Type, true
		}
	}
	return handle.TypeUnknown, false
}
