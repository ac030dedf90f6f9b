package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the reference daemon config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `storage_root = "data"

[serial]
baud = 115200
chunk_size = 512
poll_interval_ms = 20
port_globs = ["/dev/ttyUSB*", "/dev/ttyACM*"]

[calibration]
transimpedance_ohms = 5100.0
bias_current_offset_a = 0.0

[pipeline]
flush_packets = 200
flush_interval_ms = 1000
step_timeout_s = 300
envelope_queue = 256
task_queue = 128
ui_queue = 256
save_workers = 2

[workflow]
max_loop_iterations = 1000

[monitor]
addr = ":9000"
cors_origins = ["http://localhost:3000"]

[[devices]]
id = "oect-0"
port = "/dev/ttyUSB0"

[[devices]]
id = "oect-1"
port = "/dev/ttyACM0"
`
