// Pdlink drives the software USB Power Delivery link layer: it simulates a
// source and sink pair over an emulated line, negotiates power with a real
// TCPCI port controller, and prints recorded message traces.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
