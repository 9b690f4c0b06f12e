package radar

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/trafficwatch/internal/serialmux"
)

// commandResponseWindow bounds how long we wait for the device to answer a
// configuration command.
const commandResponseWindow = time.Second

// ConfigureSequence returns the startup command sequence for the radar:
// JSON output mode, the low/high alert thresholds, and alert reporting.
func ConfigureSequence(t Thresholds) []string {
	return []string{
		// OJ selects JSON output, AL/AH set the alert thresholds in mph,
		// and AE enables alert reporting.
		"OJ",
		fmt.Sprintf("AL%.1f", t.LowMph),
		fmt.Sprintf("AH%.1f", t.HighMph),
		"AE",
	}
}

// Configure pushes the startup command sequence to the device. Each command
// gets a bounded response window; a command that fails or times out is logged
// and the sequence continues. The radar still reports with factory settings
// if configuration fails, so this never aborts startup.
func Configure(mux serialmux.SerialMuxInterface, t Thresholds, log *logrus.Entry, window time.Duration) {
	if window <= 0 {
		window = commandResponseWindow
	}
	for _, command := range ConfigureSequence(t) {
		resp, err := mux.SendCommandAwait(command, window)
		if err != nil {
			log.WithError(err).WithField("command", command).Warn("radar configuration command failed")
			continue
		}
		if resp == "" {
			log.WithField("command", command).Debug("radar configuration command got no response")
			continue
		}
		log.WithFields(logrus.Fields{"command": command, "response": SanitizeRaw(resp)}).
			Debug("radar configuration command acknowledged")
	}
}
