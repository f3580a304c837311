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

package imu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTiltAnglesLevelIsZero(t *testing.T) {
	pitch, roll := tiltAngles(0, 0, 1)
	assert.InDelta(t, float32(0), pitch, 0.01)
	assert.InDelta(t, float32(0), roll, 0.01)
}

func TestTiltAnglesNoseUpIsPositivePitch(t *testing.T) {
	pitch, _ := tiltAngles(-1, 0, 1)
	assert.InDelta(t, float32(45), pitch, 0.5)
}

func TestTiltAnglesRollRight(t *testing.T) {
	_, roll := tiltAngles(0, 1, 1)
	assert.InDelta(t, float32(45), roll, 0.5)
}
