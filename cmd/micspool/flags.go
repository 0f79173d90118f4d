package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// DoctorFlags holds flags for the doctor command.
type DoctorFlags struct {
	Capture time.Duration // length of the test recording
	Keep    bool          // keep the test file instead of deleting it
	Remote  bool          // also check object storage reachability
}
