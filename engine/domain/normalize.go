package domain

import (
	"regexp"
	"strings"
)

// Attribute names in the fixed per-kind vocabulary.
const (
	AttrProcess     = "process"
	AttrCurrent     = "current"
	AttrVoltage     = "voltage"
	AttrPhase       = "phase"
	AttrCoolingType = "cooling_type"
	AttrWireSize    = "wire_size"
	AttrCableLength = "cable_length"
	AttrPortability = "portability"
	AttrMaterial    = "material"
	AttrDutyCycle   = "duty_cycle"
	AttrThickness   = "thickness"
	AttrType        = "accessory_type"
)

// kindAttributes is the allowed attribute vocabulary per component kind.
var kindAttributes = map[Kind][]string{
	KindPowerSource:    {AttrProcess, AttrCurrent, AttrVoltage, AttrPhase, AttrMaterial, AttrDutyCycle, AttrPortability},
	KindFeeder:         {AttrProcess, AttrMaterial, AttrThickness, AttrCoolingType, AttrWireSize, AttrPortability},
	KindCooler:         {AttrDutyCycle, AttrCoolingType, AttrVoltage, AttrPhase},
	KindInterconnector: {AttrCableLength, AttrCurrent, AttrCoolingType},
	KindTorch:          {AttrProcess, AttrCurrent, AttrCoolingType, AttrCableLength},
	KindAccessory:      {AttrType, AttrCableLength, AttrCoolingType},
}

// KnownAttribute reports whether attr belongs to the vocabulary of kind k.
func KnownAttribute(k Kind, attr string) bool {
	for _, a := range kindAttributes[k] {
		if a == attr {
			return true
		}
	}
	return false
}

// KindAttributes returns the attribute vocabulary for k, used by the
// composer when prompting and by the extractor when building prompts.
func KindAttributes(k Kind) []string {
	return kindAttributes[k]
}

var (
	currentRe  = regexp.MustCompile(`^(\d+)\s*[aA]$`)
	voltageRe  = regexp.MustCompile(`^(\d+)\s*[vV]$`)
	processRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z/ -]* \([A-Z]+\)$`)
	wireRe     = regexp.MustCompile(`^(0?\.\d{1,3})\s*(?:inch|in|")$`)
	cableRe    = regexp.MustCompile(`^(\d+)\s*(?:ft|feet|foot)$`)
	materialRe = regexp.MustCompile(`^[a-z][a-z0-9 -]*$`)
	freeTextRe = regexp.MustCompile(`^[a-z0-9][a-z0-9 %./-]*$`)
)

// Canonicalize validates value against the canonical form for attr,
// tolerating trivial spacing and case slips, and returns the canonical
// spelling. A value that cannot be brought into canonical form yields a
// NormalizationError, which the caller treats as an extraction failure.
func Canonicalize(attr, value string) (string, error) {
	v := strings.TrimSpace(value)
	switch attr {
	case AttrCurrent:
		if m := currentRe.FindStringSubmatch(v); m != nil {
			return m[1] + " A", nil
		}
	case AttrVoltage:
		if m := voltageRe.FindStringSubmatch(v); m != nil {
			return m[1] + "V", nil
		}
	case AttrPhase:
		switch strings.ToLower(v) {
		case "single-phase", "single phase", "1-phase":
			return "single-phase", nil
		case "3-phase", "three-phase", "three phase":
			return "3-phase", nil
		}
	case AttrProcess:
		if processRe.MatchString(v) {
			return v, nil
		}
	case AttrCoolingType:
		switch strings.ToLower(strings.TrimSuffix(v, "-cooled")) {
		case "water":
			return "water", nil
		case "air":
			return "air", nil
		case "none":
			return "none", nil
		}
	case AttrWireSize:
		if m := wireRe.FindStringSubmatch(v); m != nil {
			size := m[1]
			if strings.HasPrefix(size, ".") {
				size = "0" + size
			}
			for len(size) < len("0.000") {
				size += "0"
			}
			return size + " inch", nil
		}
	case AttrCableLength:
		if m := cableRe.FindStringSubmatch(v); m != nil {
			return m[1] + " ft", nil
		}
	case AttrPortability:
		switch strings.ToLower(v) {
		case "portable":
			return "portable", nil
		case "stationary":
			return "stationary", nil
		}
	case AttrMaterial:
		low := strings.ToLower(v)
		if materialRe.MatchString(low) {
			return low, nil
		}
	default:
		// Remaining vocabulary attributes (duty_cycle, thickness,
		// accessory_type) carry free lowercase tokens.
		low := strings.ToLower(v)
		if freeTextRe.MatchString(low) {
			return low, nil
		}
	}
	return "", &NormalizationError{Attribute: attr, Value: value}
}
