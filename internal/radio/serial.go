package radio

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

func openSerialPort(path string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Port is a serial device that may host a Meshtastic node.
type Port struct {
	Path        string
	Description string
}

// Target renders the port the way connection targets are displayed:
// "COM3 (CP210x USB to UART)" on Windows, the bare path elsewhere.
func (p Port) Target() string {
	if runtime.GOOS == "windows" && p.Description != "" {
		return fmt.Sprintf("%s (%s)", p.Path, p.Description)
	}
	return p.Path
}

// ListPorts enumerates serial ports. On Windows only COM ports are listed.
func ListPorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("radio: list serial ports: %w", err)
	}
	ports := make([]Port, 0, len(details))
	for _, d := range details {
		if runtime.GOOS == "windows" && !strings.Contains(d.Name, "COM") {
			continue
		}
		desc := d.Product
		if desc == "" && d.IsUSB {
			desc = fmt.Sprintf("USB %s:%s", d.VID, d.PID)
		}
		ports = append(ports, Port{Path: d.Name, Description: desc})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
	return ports, nil
}
