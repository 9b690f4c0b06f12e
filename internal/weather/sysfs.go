package weather

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SysfsLine drives a GPIO pin through the kernel sysfs interface. It exists
// because the sensor needs raw pin-level control; no higher-level transport
// applies.
type SysfsLine struct {
	pin       int
	valuePath string
	dirPath   string
}

const sysfsGPIORoot = "/sys/class/gpio"

// OpenSysfsLine exports pin and prepares it for use.
func OpenSysfsLine(pin int) (*SysfsLine, error) {
	base := filepath.Join(sysfsGPIORoot, fmt.Sprintf("gpio%d", pin))
	if _, err := os.Stat(base); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(sysfsGPIORoot, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", pin, err)
		}
		// The udev rules need a moment to make the new node writable.
		time.Sleep(100 * time.Millisecond)
	}
	return &SysfsLine{
		pin:       pin,
		valuePath: filepath.Join(base, "value"),
		dirPath:   filepath.Join(base, "direction"),
	}, nil
}

func (l *SysfsLine) SetOutput() error {
	return os.WriteFile(l.dirPath, []byte("out"), 0o200)
}

func (l *SysfsLine) SetInput() error {
	return os.WriteFile(l.dirPath, []byte("in"), 0o200)
}

func (l *SysfsLine) Write(high bool) error {
	v := []byte("0")
	if high {
		v = []byte("1")
	}
	return os.WriteFile(l.valuePath, v, 0o200)
}

func (l *SysfsLine) Read() (bool, error) {
	data, err := os.ReadFile(l.valuePath)
	if err != nil {
		return false, err
	}
	return len(data) > 0 && data[0] == '1', nil
}

// Close unexports the pin.
func (l *SysfsLine) Close() error {
	return os.WriteFile(filepath.Join(sysfsGPIORoot, "unexport"), []byte(strconv.Itoa(l.pin)), 0o200)
}
