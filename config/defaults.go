/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

// DefaultMain returns the compiled-in scalar defaults.
func DefaultMain() Main {
	return Main{
		SampleRateHz:     50,
		TelemRateHz:      20,
		UseNaNForMissing: false,
		SSID:             "",
		Password:         "",
		Host:             "192.168.4.2",
		UDPPort:          5002,
		TCPPort:          2000,
		LoraAddress:      "1",
		LoraNetID:        "18",
		LoraBand:         "915000000",
		LoraParam:        "7,9,1,8",
	}
}

// DefaultCANSignals returns the compiled-in CAN signal table: a small,
// plausible starter set for an engine CAN bus (RPM, coolant temperature,
// throttle position, oil pressure), overridable per SPEC_FULL.md §4.7.
func DefaultCANSignals() []CANSignal {
	return []CANSignal{
		{ID: 1, Name: "RPM", CANID: 0x5F0, Start: 6, Len: 2, LE: false, Mult: 1, Div: 1, Signed: false},
		{ID: 2, Name: "CoolantTempC", CANID: 0x5F0, Start: 0, Len: 1, LE: false, Mult: 1, Div: 1, Signed: true},
		{ID: 3, Name: "ThrottlePct", CANID: 0x5F1, Start: 0, Len: 1, LE: false, Mult: 100, Div: 255, Signed: false},
		{ID: 4, Name: "OilPressureKPA", CANID: 0x5F1, Start: 2, Len: 2, LE: true, Mult: 1, Div: 1, Signed: false},
	}
}

// DefaultAnalogSignals returns the compiled-in analog channel table: a
// brake-pressure transducer and a suspension-travel potentiometer, each
// wired through a two-point linear map.
func DefaultAnalogSignals() []AnalogSignal {
	return []AnalogSignal{
		{ID: 10, Name: "BrakePressurePSI", Pin: 34, Val0V: 0, Val3V: 2000},
		{ID: 11, Name: "SuspensionTravelMM", Pin: 35, Val0V: 0, Val3V: 75},
	}
}
