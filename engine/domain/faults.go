package domain

// CriticalFaultCode is the code that latches the session into AlertCritical.
const CriticalFaultCode DTC = "P0217"

// Fault describes a known diagnostic trouble code.
type Fault struct {
	Code        DTC    `json:"code"`
	Description string `json:"description"`
	Advice      string `json:"advice"`
}

// KnownFaults is the lookup table of codes the simulator is known to emit.
var KnownFaults = map[DTC]Fault{
	"P0217": {
		Code:        "P0217",
		Description: "Engine Coolant Over Temperature Condition",
		Advice:      "Stop the vehicle immediately to prevent engine damage.",
	},
	"P0300": {
		Code:        "P0300",
		Description: "Random Multiple Cylinder Misfire Detected",
		Advice:      "Reduce speed and avoid heavy acceleration.",
	},
	"P0115": {
		Code:        "P0115",
		Description: "Engine Coolant Temperature Circuit Malfunction",
		Advice:      "Check coolant levels immediately.",
	},
	"P0101": {
		Code:        "P0101",
		Description: "Mass Air Flow Sensor Performance Problem",
		Advice:      "Engine performance may be reduced.",
	},
}

// LookupFault returns the table entry for code, or a generic entry for codes
// not in the table. ok is false when code is empty.
func LookupFault(code DTC) (f Fault, ok bool) {
	if !code.Present() {
		return Fault{}, false
	}
	if f, found := KnownFaults[code]; found {
		return f, true
	}
	return Fault{
		Code:        code,
		Description: "Critical Unidentified Fault",
		Advice:      "Diagnostic code " + string(code) + " requires manual inspection.",
	}, true
}
