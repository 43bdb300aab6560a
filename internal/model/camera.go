// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NormalizeCamera fills a camera document supplied at registration time to
// the full camera shape. Supplied fields win, including fields this code
// does not know about; absent fields get their defaults. The returned
// document is a copy.
func NormalizeCamera(in Document, now time.Time) Document {
	cam := Document{}
	for k, v := range in {
		cam[k] = v
	}

	id := cam.String(FieldCameraID)
	if id == "" {
		id = uuid.NewString()
		cam[FieldCameraID] = id
	}
	if cam.String(FieldCameraName) == "" {
		cam[FieldCameraName] = fmt.Sprintf("Cam-%s", shortID(id))
	}
	if cam.String(FieldStatus) == "" {
		cam[FieldStatus] = CameraInactive
	}
	if cam.String(FieldType) == "" {
		cam[FieldType] = "rgb"
	}
	if cam.String(FieldEnvironment) == "" {
		cam[FieldEnvironment] = "real"
	}
	if cam.Map(FieldStreamDetails) == nil {
		cam[FieldStreamDetails] = Document{}
	}
	if cam.String(FieldLocation) == "" {
		cam[FieldLocation] = "N/A"
	}
	if cam.String(FieldHostPCName) == "" {
		cam[FieldHostPCName] = "N/A"
	}
	if _, ok := cam[FieldFrameTransmission]; !ok {
		cam[FieldFrameTransmission] = false
	}
	cam[FieldLastUpdate] = Timestamp(now)
	return cam
}

func shortID(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
