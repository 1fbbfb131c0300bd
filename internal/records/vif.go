package records

import "fmt"

type valueKind int

const (
	kindNumber valueKind = iota
	kindDate
	kindDateTime
	kindIdentifier
	kindOpaque
)

type unitInfo struct {
	quantity string
	unit     string
	exp      int
	kind     valueKind
}

func durationUnit(nn byte) string {
	switch nn & 0x03 {
	case 0:
		return "s"
	case 1:
		return "min"
	case 2:
		return "h"
	default:
		return "d"
	}
}

func longDurationUnit(nn byte) string {
	switch nn & 0x03 {
	case 0:
		return "h"
	case 1:
		return "d"
	case 2:
		return "months"
	default:
		return "years"
	}
}

// lookupPrimary resolves the primary VIF table (VIF with the extension bit
// stripped).
func lookupPrimary(v byte) (unitInfo, bool) {
	n := int(v & 0x07)
	nn := int(v & 0x03)
	switch {
	case v <= 0x07:
		return unitInfo{"Energy", "Wh", n - 3, kindNumber}, true
	case v <= 0x0F:
		return unitInfo{"Energy", "J", n, kindNumber}, true
	case v <= 0x17:
		return unitInfo{"Volume", "m³", n - 6, kindNumber}, true
	case v <= 0x1F:
		return unitInfo{"Mass", "kg", n - 3, kindNumber}, true
	case v <= 0x23:
		return unitInfo{"On time", durationUnit(v), 0, kindNumber}, true
	case v <= 0x27:
		return unitInfo{"Operating time", durationUnit(v), 0, kindNumber}, true
	case v <= 0x2F:
		return unitInfo{"Power", "W", n - 3, kindNumber}, true
	case v <= 0x37:
		return unitInfo{"Power", "J/h", n, kindNumber}, true
	case v <= 0x3F:
		return unitInfo{"Volume flow", "m³/h", n - 6, kindNumber}, true
	case v <= 0x47:
		return unitInfo{"Volume flow", "m³/min", n - 7, kindNumber}, true
	case v <= 0x4F:
		return unitInfo{"Volume flow", "m³/s", n - 9, kindNumber}, true
	case v <= 0x57:
		return unitInfo{"Mass flow", "kg/h", n - 3, kindNumber}, true
	case v <= 0x5B:
		return unitInfo{"Flow temperature", "°C", nn - 3, kindNumber}, true
	case v <= 0x5F:
		return unitInfo{"Return temperature", "°C", nn - 3, kindNumber}, true
	case v <= 0x63:
		return unitInfo{"Temperature difference", "K", nn - 3, kindNumber}, true
	case v <= 0x67:
		return unitInfo{"External temperature", "°C", nn - 3, kindNumber}, true
	case v <= 0x6B:
		return unitInfo{"Pressure", "bar", nn - 3, kindNumber}, true
	case v == 0x6C:
		return unitInfo{"Date", "", 0, kindDate}, true
	case v == 0x6D:
		return unitInfo{"Date and time", "", 0, kindDateTime}, true
	case v == 0x6E:
		return unitInfo{"Units for H.C.A.", "", 0, kindNumber}, true
	case v == 0x6F:
		return unitInfo{}, false
	case v <= 0x73:
		return unitInfo{"Averaging duration", durationUnit(v), 0, kindNumber}, true
	case v <= 0x77:
		return unitInfo{"Actuality duration", durationUnit(v), 0, kindNumber}, true
	case v == 0x78:
		return unitInfo{"Fabrication number", "", 0, kindIdentifier}, true
	case v == 0x79:
		return unitInfo{"Enhanced identification", "", 0, kindIdentifier}, true
	case v == 0x7A:
		return unitInfo{"Bus address", "", 0, kindIdentifier}, true
	case v == 0x7E:
		return unitInfo{"Any VIF", "", 0, kindOpaque}, true
	case v == 0x7F:
		return unitInfo{"Manufacturer specific", "", 0, kindOpaque}, true
	}
	return unitInfo{}, false
}

// lookupSecondExtension resolves codes following VIF 0xFD.
func lookupSecondExtension(c byte) (unitInfo, bool) {
	switch {
	case c <= 0x03:
		return unitInfo{"Credit", "currency units", int(c&0x03) - 3, kindNumber}, true
	case c <= 0x07:
		return unitInfo{"Debit", "currency units", int(c&0x03) - 3, kindNumber}, true
	case c >= 0x24 && c <= 0x27:
		return unitInfo{"Storage interval", durationUnit(c), 0, kindNumber}, true
	case c >= 0x2C && c <= 0x2F:
		return unitInfo{"Duration since last readout", durationUnit(c), 0, kindNumber}, true
	case c >= 0x40 && c <= 0x4F:
		return unitInfo{"Voltage", "V", int(c&0x0F) - 9, kindNumber}, true
	case c >= 0x50 && c <= 0x5F:
		return unitInfo{"Current", "A", int(c&0x0F) - 12, kindNumber}, true
	case c >= 0x68 && c <= 0x6B:
		return unitInfo{"Duration since last cumulation", longDurationUnit(c), 0, kindNumber}, true
	case c >= 0x6C && c <= 0x6F:
		return unitInfo{"Operating time battery", longDurationUnit(c), 0, kindNumber}, true
	}
	if name, ok := secondExtensionNames[c]; ok {
		return unitInfo{name, "", 0, kindIdentifier}, true
	}
	switch c {
	case 0x28:
		return unitInfo{"Storage interval", "months", 0, kindNumber}, true
	case 0x29:
		return unitInfo{"Storage interval", "years", 0, kindNumber}, true
	case 0x3A:
		return unitInfo{"Dimensionless", "", 0, kindNumber}, true
	case 0x70:
		return unitInfo{"Date and time of battery change", "", 0, kindDateTime}, true
	case 0x74:
		return unitInfo{"Remaining battery life", "d", 0, kindNumber}, true
	}
	return unitInfo{}, false
}

var secondExtensionNames = map[byte]string{
	0x08: "Access number",
	0x09: "Medium",
	0x0A: "Manufacturer",
	0x0B: "Parameter set identification",
	0x0C: "Model/version",
	0x0D: "Hardware version",
	0x0E: "Firmware version",
	0x0F: "Software version",
	0x10: "Customer location",
	0x11: "Customer",
	0x12: "Access code user",
	0x13: "Access code operator",
	0x14: "Access code system operator",
	0x15: "Access code developer",
	0x16: "Password",
	0x17: "Error flags",
	0x18: "Error mask",
	0x1A: "Digital output",
	0x1B: "Digital input",
	0x1C: "Baud rate",
	0x1D: "Response delay time",
	0x1E: "Retry",
	0x20: "First storage number for cyclic storage",
	0x21: "Last storage number for cyclic storage",
	0x22: "Size of storage block",
	0x60: "Reset counter",
	0x61: "Cumulation counter",
	0x62: "Control signal",
	0x63: "Day of week",
	0x64: "Week number",
	0x65: "Time point of day change",
	0x66: "State of parameter activation",
	0x67: "Special supplier information",
}

// lookupFirstExtension resolves codes following VIF 0xFB.
func lookupFirstExtension(c byte) (unitInfo, bool) {
	n := int(c & 0x01)
	nn := int(c & 0x03)
	switch {
	case c <= 0x01:
		return unitInfo{"Energy", "MWh", n - 1, kindNumber}, true
	case c >= 0x08 && c <= 0x09:
		return unitInfo{"Energy", "GJ", n - 1, kindNumber}, true
	case c >= 0x10 && c <= 0x11:
		return unitInfo{"Volume", "m³", n + 2, kindNumber}, true
	case c >= 0x18 && c <= 0x19:
		return unitInfo{"Mass", "t", n + 2, kindNumber}, true
	case c == 0x21:
		return unitInfo{"Volume", "ft³", -1, kindNumber}, true
	case c == 0x22:
		return unitInfo{"Volume", "US gal", -1, kindNumber}, true
	case c == 0x23:
		return unitInfo{"Volume", "US gal", 0, kindNumber}, true
	case c >= 0x28 && c <= 0x29:
		return unitInfo{"Power", "MW", n - 1, kindNumber}, true
	case c >= 0x30 && c <= 0x31:
		return unitInfo{"Power", "GJ/h", n - 1, kindNumber}, true
	case c >= 0x58 && c <= 0x5B:
		return unitInfo{"Flow temperature", "°F", nn - 3, kindNumber}, true
	case c >= 0x5C && c <= 0x5F:
		return unitInfo{"Return temperature", "°F", nn - 3, kindNumber}, true
	case c >= 0x60 && c <= 0x63:
		return unitInfo{"Temperature difference", "°F", nn - 3, kindNumber}, true
	case c >= 0x64 && c <= 0x67:
		return unitInfo{"External temperature", "°F", nn - 3, kindNumber}, true
	case c >= 0x70 && c <= 0x73:
		return unitInfo{"Cold/warm temperature limit", "°F", nn - 3, kindNumber}, true
	case c >= 0x74 && c <= 0x77:
		return unitInfo{"Cold/warm temperature limit", "°C", nn - 3, kindNumber}, true
	case c >= 0x78:
		return unitInfo{"Cumulative count max power", "W", int(c&0x07) - 3, kindNumber}, true
	}
	return unitInfo{}, false
}

// perTime is indexed by the combinable VIFE code minus 0x20.
var perTime = [...]string{"s", "min", "h", "d", "week", "month", "year", "measurement"}

const (
	vifeLowerLimit = 0x40
	vifeUpperLimit = 0x48
	vifeThousand   = 0x7D
)

// resolve maps a descriptor to its unit and applies the combinable VIFEs it
// understands. ok is false for reserved or unknown VIF codes. A non-empty
// note means the value must not be presented as a reading: the meter flagged
// a record error, or a VIFE changes the meaning in a way not decoded here.
func resolve(d Descriptor) (info unitInfo, note string, ok bool) {
	vifes := d.VIFE
	switch d.VIF {
	case vifFirstExtension, vifSecondExtension:
		if len(vifes) == 0 {
			return unitInfo{}, "", false
		}
		code := vifes[0] & 0x7F
		if d.VIF == vifFirstExtension {
			info, ok = lookupFirstExtension(code)
		} else {
			info, ok = lookupSecondExtension(code)
		}
		vifes = vifes[1:]
	case vifReservedExtended:
		return unitInfo{}, "", false
	default:
		if d.VIF&0x7F == vifPlainText {
			info, ok = unitInfo{"Plain text unit", d.PlainUnit, 0, kindNumber}, true
		} else {
			info, ok = lookupPrimary(d.VIF & 0x7F)
		}
	}
	if !ok {
		return unitInfo{}, "", false
	}
	for _, vife := range vifes {
		code := vife & 0x7F
		switch {
		case code <= 0x1F:
			return info, fmt.Sprintf("record error code %02X", code), true
		case code <= 0x27:
			info.unit += "/" + perTime[code-0x20]
		case code == vifeLowerLimit:
			info.quantity = "Lower limit " + info.quantity
		case code == vifeUpperLimit:
			info.quantity = "Upper limit " + info.quantity
		case code >= 0x70 && code <= 0x77:
			info.exp += int(code&0x07) - 6
		case code == vifeThousand:
			info.exp += 3
		default:
			return info, fmt.Sprintf("unsupported VIFE %02X", code), true
		}
	}
	return info, "", true
}
