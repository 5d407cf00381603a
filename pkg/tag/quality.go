// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package tag

// Quality classifies the reliability of a sampled value, aligned with the
// OPC UA status code bands: Good, Uncertain and Bad, each with sub-codes.
type Quality int

// Quality values. The zero value is QualityBad so an uninitialized sample
// never reads as trustworthy.
const (
	QualityBad Quality = iota
	QualityBadConfigError
	QualityBadNotConnected
	QualityBadNoCommunication
	QualityBadDeviceFailure
	QualityBadSensorFailure
	QualityBadOutOfService
	QualityUncertain
	QualityUncertainLastUsable
	QualityUncertainNoCommLastUsable
	QualityUncertainSensorNotAccurate
	QualityUncertainEUExceeded
	QualityGood
)

var qualityNames = map[Quality]string{
	QualityBad:                        "BAD",
	QualityBadConfigError:             "BAD_CONFIG_ERROR",
	QualityBadNotConnected:            "BAD_NOT_CONNECTED",
	QualityBadNoCommunication:         "BAD_NO_COMMUNICATION",
	QualityBadDeviceFailure:           "BAD_DEVICE_FAILURE",
	QualityBadSensorFailure:           "BAD_SENSOR_FAILURE",
	QualityBadOutOfService:            "BAD_OUT_OF_SERVICE",
	QualityUncertain:                  "UNCERTAIN",
	QualityUncertainLastUsable:        "UNCERTAIN_LAST_USABLE",
	QualityUncertainNoCommLastUsable:  "UNCERTAIN_NO_COMM_LAST_USABLE",
	QualityUncertainSensorNotAccurate: "UNCERTAIN_SENSOR_NOT_ACCURATE",
	QualityUncertainEUExceeded:        "UNCERTAIN_EU_EXCEEDED",
	QualityGood:                       "GOOD",
}

// statusCodes maps each quality to its 32-bit OPC UA status code.
var statusCodes = map[Quality]uint32{
	QualityBad:                        0x80000000, // Bad
	QualityBadConfigError:             0x80890000, // BadConfigurationError
	QualityBadNotConnected:            0x808A0000, // BadNotConnected
	QualityBadNoCommunication:         0x80310000, // BadNoCommunication
	QualityBadDeviceFailure:           0x808B0000, // BadDeviceFailure
	QualityBadSensorFailure:           0x808C0000, // BadSensorFailure
	QualityBadOutOfService:            0x808D0000, // BadOutOfService
	QualityUncertain:                  0x40000000, // Uncertain
	QualityUncertainLastUsable:        0x40900000, // UncertainLastUsableValue
	QualityUncertainNoCommLastUsable:  0x408F0000, // UncertainNoCommunicationLastUsableValue
	QualityUncertainSensorNotAccurate: 0x40930000, // UncertainSensorNotAccurate
	QualityUncertainEUExceeded:        0x40940000, // UncertainEngineeringUnitsExceeded
	QualityGood:                       0x00000000, // Good
}

func (q Quality) String() string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return "BAD"
}

// StatusCode returns the 32-bit OPC UA status code for this quality
func (q Quality) StatusCode() uint32 {
	if code, ok := statusCodes[q]; ok {
		return code
	}
	return statusCodes[QualityBad]
}

// IsGood reports whether the quality is in the Good band
func (q Quality) IsGood() bool {
	return q == QualityGood
}

// IsUncertain reports whether the quality is in the Uncertain band
func (q Quality) IsUncertain() bool {
	return q >= QualityUncertain && q < QualityGood
}

// IsBad reports whether the quality is in the Bad band
func (q Quality) IsBad() bool {
	return q < QualityUncertain
}

// QualityFromStatusCode maps an OPC UA status code back to the closest
// quality. Unknown Bad/Uncertain codes collapse onto the band value.
func QualityFromStatusCode(code uint32) Quality {
	for q, c := range statusCodes {
		if c == code {
			return q
		}
	}
	switch {
	case code&0x80000000 != 0:
		return QualityBad
	case code&0x40000000 != 0:
		return QualityUncertain
	default:
		return QualityGood
	}
}
