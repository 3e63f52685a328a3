// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dcm

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// UID and task id minting
// =============================================================================

// Well-known DICOM UIDs the agent deals with.
const (
	// UIDPETImageStorage is the only SOP class the receiver accepts.
	UIDPETImageStorage = "1.2.840.10008.5.1.4.1.1.128"

	// UIDVerification backs C-ECHO.
	UIDVerification = "1.2.840.10008.1.1"

	UIDImplicitVRLittleEndian = "1.2.840.10008.1.2"
	UIDExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// uidRoot is the organization root under which the agent mints UIDs for
// the result series it creates.
const uidRoot = "1.2.826.0.1.3680043.10.1081"

// ImplementationClassUID identifies this agent in file meta headers and
// association requests.
const ImplementationClassUID = uidRoot + ".1"

// ImplementationVersionName is the short version label carried next to
// the implementation class UID. Max 16 characters.
const ImplementationVersionName = "PETFECTIOR_10"

// NewUID mints a globally unique DICOM UID under the agent's org root.
// The suffix is 12 bytes of a v4 UUID rendered in decimal, which keeps
// the whole UID under the 64-character limit.
func NewUID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:12])
	return uidRoot + "." + n.String()
}

// NewTaskID derives a task id from a timestamp: the wall-clock second
// plus the four leading digits of the microsecond field, 18 characters
// total. Collisions require two series arriving within 100 microseconds,
// which a single scanner cannot produce.
func NewTaskID(t time.Time) string {
	micro := fmt.Sprintf("%06d", t.Nanosecond()/1000)
	return t.Format("20060102150405") + micro[:4]
}
