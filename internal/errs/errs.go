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

// Package errs defines the error kinds shared across the telemetry module's
// components. Every component wraps its failures in one of these with %w so
// callers can errors.Is/errors.As regardless of which component produced it.
package errs

import "errors"

var (
	// ErrMalformedTLV is returned by the TLV codec on a truncated header,
	// truncated payload, or unknown tag.
	ErrMalformedTLV = errors.New("malformed tlv")
	// ErrTransportDown is returned by the egress paths when the underlying
	// network or radio transport cannot currently accept a send.
	ErrTransportDown = errors.New("transport down")
	// ErrStorageIO is returned by the logger on a write/flush/open failure.
	ErrStorageIO = errors.New("storage io error")
	// ErrConfigInvalid is returned by the config loader when the file is
	// present but cannot be trusted, forcing a fall back to defaults.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrTimingStale is returned by the clock when a sync response is
	// mismatched, timed out, or exceeds the maximum acceptable delay.
	ErrTimingStale = errors.New("timing exchange stale")
	// ErrBusLockTimeout is returned by the sample bus when it cannot
	// acquire its mutex within the bounded lock timeout.
	ErrBusLockTimeout = errors.New("bus lock timeout")
)
