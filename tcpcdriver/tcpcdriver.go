// Package tcpcdriver holds what port controller drivers share: the bus they
// reach the controller registers through. Package tcpci is the driver for
// TCPCI compliant controllers, be it a chip on a Linux I2C bus or the
// emulated controller of package tcpc.
package tcpcdriver

// I2C is the minimum bus interface a register level driver needs. It is
// the method set of a TinyGo I2C peripheral and of periph.io i2c.Bus, and
// tcpc.Controller.Bus provides one for emulated ports.
type I2C interface {

	// Tx performs a write and then a read transfer placing the result in r. Tx
	// must be safe to call concurrently from multiple goroutines.
	//
	// Passing a nil value for w or r skips the transfer corresponding to write
	// or read, respectively.
	//
	//  i2c.Tx(addr, nil, r)
	// Performs only a read transfer.
	//
	//  i2c.Tx(addr, w, nil)
	// Performs only a write transfer.
	Tx(addr uint16, w, r []byte) error
}
