// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"sort"
	"strings"
)

// Derived, never-persisted summary fields attached by Summarize.
const (
	FieldCameraSummary      = "camera_summary"
	FieldEnvironmentSummary = "environment_summary"
	FieldActiveCameraCount  = "active_camera_count"
	FieldTotalCameraCount   = "total_camera_count"
)

// Summarize attaches the derived camera summary fields to a copy of the
// agent document: a camera-type histogram, the distinct environments, the
// count of active-or-streaming cameras and the total camera count.
func Summarize(agent Document) Document {
	out := agent.Clone()
	cameras := out.List(FieldCameras)
	if len(cameras) == 0 {
		out[FieldCameraSummary] = "No cameras"
		out[FieldEnvironmentSummary] = "N/A"
		out[FieldActiveCameraCount] = 0
		out[FieldTotalCameraCount] = 0
		return out
	}

	typeCounts := map[string]int{}
	envs := map[string]struct{}{}
	active := 0
	for _, cam := range cameras {
		typ := cam.String(FieldType)
		if typ == "" {
			typ = "N/A"
		}
		typeCounts[typ]++
		if env := cam.String(FieldEnvironment); env != "" {
			envs[env] = struct{}{}
		}
		switch cam.String(FieldStatus) {
		case CameraActive, CameraStreaming:
			active++
		}
	}

	types := make([]string, 0, len(typeCounts))
	for t := range typeCounts {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s:%d", t, typeCounts[t]))
	}

	envList := make([]string, 0, len(envs))
	for e := range envs {
		envList = append(envList, e)
	}
	sort.Strings(envList)

	out[FieldCameraSummary] = strings.Join(parts, ", ")
	if len(envList) == 0 {
		out[FieldEnvironmentSummary] = "N/A"
	} else {
		out[FieldEnvironmentSummary] = strings.Join(envList, ", ")
	}
	out[FieldActiveCameraCount] = active
	out[FieldTotalCameraCount] = len(cameras)
	return out
}
