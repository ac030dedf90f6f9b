// Package storage owns the on-disk result layout: run directories,
// metadata JSON files, and incrementally appended sample CSVs.
package storage

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	TestInfoFile     = "test_info.json"
	TestInfoTempFile = "test_info_temp.json"
	WorkflowFile     = "workflow.json"

	timestampLayout = "20060102_150405"
)

// RunDir builds the result directory for one test:
// <root>/<deviceID>/<timestamp>_<testType>_<testID>/.
func RunDir(root, deviceID, testType, testID string, started time.Time) string {
	name := fmt.Sprintf("%s_%s_%s", started.Format(timestampLayout), testType, testID)
	return filepath.Join(root, deviceID, name)
}

// StepCSVName names the sample file for one step: <n>_<stepKind>.csv.
func StepCSVName(index int, stepKind string) string {
	return fmt.Sprintf("%d_%s.csv", index, stepKind)
}
