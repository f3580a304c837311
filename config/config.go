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

// Package config loads and saves the module's JSON configuration store.
// Defaults are compiled into the build; on every boot defaults are loaded
// first and JSON values overlay them field by field, so a config file
// missing a field silently falls back to its compiled default.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	version "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/internal/errs"
)

// CurrentSchemaVersion is written to new config files.
const CurrentSchemaVersion = "1.0.0"

// oldestSupportedSchemaVersion is the floor below which a config file is
// distrusted outright and defaults are used for the whole file.
const oldestSupportedSchemaVersion = "1.0.0"

// CANSignal is the on-disk JSON shape of a CAN signal descriptor.
type CANSignal struct {
	ID     uint8   `json:"id"`
	Name   string  `json:"name"`
	CANID  uint16  `json:"canId"`
	Start  uint8   `json:"start"`
	Len    uint8   `json:"len"`
	LE     bool    `json:"le"`
	Mult   float32 `json:"mult"`
	Div    float32 `json:"div"`
	Signed bool    `json:"signed"`
}

// AnalogSignal is the on-disk JSON shape of an analog channel descriptor: a
// pin plus a two-point linear map from ADC volts to engineering units.
type AnalogSignal struct {
	ID    uint8   `json:"id"`
	Name  string  `json:"name"`
	Pin   uint8   `json:"pin"`
	Val0V float32 `json:"val0v"`
	Val3V float32 `json:"val3v3"`
}

// Main holds the module's scalar settings.
type Main struct {
	SampleRateHz     uint16 `json:"sampleRateHz"`
	TelemRateHz      uint16 `json:"telemRateHz"`
	UseNaNForMissing bool   `json:"useNaNForMissing"`
	SSID             string `json:"ssid"`
	Password         string `json:"password"`
	Host             string `json:"host"`
	UDPPort          uint16 `json:"udpPort"`
	TCPPort          uint16 `json:"tcpPort"`
	LoraAddress      string `json:"lora_address"`
	LoraNetID        string `json:"lora_netId"`
	LoraBand         string `json:"lora_band"`
	LoraParam        string `json:"lora_param"`
}

// document is the on-disk JSON shape.
type document struct {
	SchemaVersion string         `json:"schemaVersion"`
	Main          Main           `json:"main"`
	CANSignals    []CANSignal    `json:"canSignals"`
	AnalogSignals []AnalogSignal `json:"analogSignals"`
}

// Settings is the fully resolved, in-memory configuration: the scalar Main
// block, CAN signals grouped by CAN id for O(1) per-frame lookup, and the
// analog channel table.
type Settings struct {
	Main    Main
	CANMap  map[uint16][]CANSignal
	Analogs []AnalogSignal
}

func canMapFromSignals(signals []CANSignal) map[uint16][]CANSignal {
	m := make(map[uint16][]CANSignal, len(signals))
	for _, s := range signals {
		m[s.CANID] = append(m[s.CANID], s)
	}
	return m
}

func flattenCANMap(m map[uint16][]CANSignal) []CANSignal {
	var out []CANSignal
	for _, signals := range m {
		out = append(out, signals...)
	}
	return out
}

func defaultDocument() document {
	return document{
		SchemaVersion: CurrentSchemaVersion,
		Main:          DefaultMain(),
		CANSignals:    DefaultCANSignals(),
		AnalogSignals: DefaultAnalogSignals(),
	}
}

// Load reads filename, creating it with compiled defaults if it does not
// exist. A present-but-invalid file (malformed JSON or an unsupported
// schemaVersion) logs a warning and falls back to compiled defaults for the
// whole file, per SPEC_FULL.md §7.
func Load(filename string) (*Settings, error) {
	logger := log.WithField("component", "config")

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		logger.Info("no config file found, writing compiled defaults")
		doc := defaultDocument()
		if err := save(filename, doc); err != nil {
			return nil, fmt.Errorf("%w: writing default config: %v", errs.ErrStorageIO, err)
		}
		return toSettings(doc), nil
	}

	raw, err := os.ReadFile(filename)
	if err != nil {
		logger.WithError(err).Warn("failed to read config file, falling back to defaults")
		return toSettings(defaultDocument()), nil
	}

	doc := defaultDocument()
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.WithError(err).Warn("malformed config json, falling back to defaults")
		return toSettings(defaultDocument()), nil
	}

	if !schemaSupported(doc.SchemaVersion) {
		err := fmt.Errorf("%w: unsupported schema version %q", errs.ErrConfigInvalid, doc.SchemaVersion)
		logger.WithError(err).Warn("falling back to defaults")
		return toSettings(defaultDocument()), nil
	}

	return toSettings(doc), nil
}

func schemaSupported(v string) bool {
	if v == "" {
		// Treat a config file predating the schemaVersion field as the
		// oldest supported version rather than rejecting it outright.
		return true
	}
	got, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	floor, err := version.NewVersion(oldestSupportedSchemaVersion)
	if err != nil {
		return false
	}
	return !got.LessThan(floor)
}

func toSettings(doc document) *Settings {
	return &Settings{
		Main:    doc.Main,
		CANMap:  canMapFromSignals(doc.CANSignals),
		Analogs: doc.AnalogSignals,
	}
}

// Save writes s back to filename in the documented JSON schema.
func Save(filename string, s *Settings) error {
	doc := document{
		SchemaVersion: CurrentSchemaVersion,
		Main:          s.Main,
		CANSignals:    flattenCANMap(s.CANMap),
		AnalogSignals: s.Analogs,
	}
	return save(filename, doc)
}

func save(filename string, doc document) error {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, out, 0o644)
}
