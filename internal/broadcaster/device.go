package broadcaster

import "fmt"

type DeviceClass string

const (
	DeviceWeb DeviceClass = "web"
	DeviceApp DeviceClass = "app"
)

// DeviceClasses lists the classes in lookup order.
var DeviceClasses = [...]DeviceClass{DeviceWeb, DeviceApp}

func ParseDeviceClass(s string) (DeviceClass, error) {
	switch DeviceClass(s) {
	case DeviceWeb:
		return DeviceWeb, nil
	case DeviceApp:
		return DeviceApp, nil
	default:
		return "", fmt.Errorf("unknown device type %q, expected web or app", s)
	}
}

func (d DeviceClass) slot() int {
	if d == DeviceApp {
		return 1
	}

	return 0
}

func (d DeviceClass) String() string {
	return string(d)
}
