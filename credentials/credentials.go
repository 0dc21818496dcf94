// Package credentials holds secrets that must not live in source
// control in a real deployment: Wi-Fi association credentials (network
// bring-up is out of scope for the OTA core itself, but the device
// still needs a link before it can reach the broker) and the debug
// console's auth password.
package credentials

import (
	_ "embed"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the contents of ssid.text predefined by the user in this package.
// If your program is failing to compile it is because you need to create an
// ssid.text and password.text file in this package's directory containing
// the SSID and password of the network you wish to connect to.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your
// Wi-Fi password should be defined outside of this repo for security reasons!
func SSID() string {
	return ssid
}

// Password returns the contents of password.text predefined by the user in this package.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your
// Wi-Fi password should be defined outside of this repo for security reasons!
func Password() string {
	return pass
}

// ConsolePassword returns the contents of console_password.text predefined
// by the user in this package. Used for debug console authentication.
//
// Deprecated: Marked as deprecated so IDE warns users against its use. Your
// console password should be defined outside of this repo for security reasons!
func ConsolePassword() string {
	return consolePass
}
