// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package uart

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZaparooProject/go-port110/detection"
)

// getSerialPorts lists USB CDC ports with their sysfs descriptors, falling
// back to a plain device glob when sysfs is unavailable.
func getSerialPorts(_ context.Context) ([]serialPort, error) {
	ports, err := usbSerialPorts("/sys/class/tty")
	if err != nil || len(ports) == 0 {
		return serialPortsFallback()
	}
	return ports, nil
}

func usbSerialPorts(ttyDir string) ([]serialPort, error) {
	entries, err := os.ReadDir(ttyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", ttyDir, err)
	}

	var ports []serialPort
	for _, entry := range entries {
		if port, ok := usbSerialPort(ttyDir, entry.Name()); ok {
			ports = append(ports, port)
		}
	}
	return ports, nil
}

func usbSerialPort(ttyDir, name string) (serialPort, bool) {
	if !strings.HasPrefix(name, "ttyACM") && !strings.HasPrefix(name, "ttyUSB") {
		return serialPort{}, false
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(ttyDir, name, "device"))
	if err != nil || !strings.Contains(resolved, "/usb") {
		return serialPort{}, false
	}

	port := serialPort{Path: "/dev/" + name, Name: name}
	current := resolved
	for range 10 {
		if readUSBIdentifiers(&port, current) {
			break
		}
		current = filepath.Dir(current)
		if current == "/" || current == "." {
			break
		}
	}
	return port, true
}

// readUSBIdentifiers fills the USB ID and descriptor strings from a sysfs
// directory, reporting true once the USB device directory itself is reached.
// Interface directories below it only carry the ID, in their uevent.
func readUSBIdentifiers(port *serialPort, path string) bool {
	if !strings.HasPrefix(filepath.Clean(path), "/sys/") {
		return false
	}
	if port.ID.IsZero() {
		port.ID, _ = ueventProduct(path)
	}
	vid, err := readSysfs(path, "idVendor")
	if err != nil {
		return false
	}
	pid, err := readSysfs(path, "idProduct")
	if err != nil {
		return false
	}
	if id, ok := detection.ParseVIDPID(vid + ":" + pid); ok {
		port.ID = id
	}
	port.Manufacturer, _ = readSysfs(path, "manufacturer")
	port.Product, _ = readSysfs(path, "product")
	port.SerialNumber, _ = readSysfs(path, "serial")
	return true
}

// ueventProduct parses the PRODUCT=vid/pid/bcd line of a uevent file.
func ueventProduct(dir string) (detection.VIDPID, bool) {
	data, err := readSysfs(dir, "uevent")
	if err != nil {
		return detection.VIDPID{}, false
	}
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "PRODUCT=") {
			return detection.ParseVIDPID(line)
		}
	}
	return detection.VIDPID{}, false
}

func readSysfs(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(filepath.Join(dir, name))) // #nosec G304 -- under /sys/
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func serialPortsFallback() ([]serialPort, error) {
	var ports []serialPort
	for _, pattern := range []string{"/dev/ttyACM*", "/dev/ttyUSB*"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			ports = append(ports, serialPort{Path: path, Name: filepath.Base(path)})
		}
	}
	return ports, nil
}
