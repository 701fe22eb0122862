package entity

import "fmt"

// SwitchID derives the stable identity of a coil-backed switch. The identity
// is a pure function of the slave and coil addresses: the slave address as
// two uppercase hex digits, the coil address as two decimal digits.
// Slave 10, coil 0 yields "0Aswitch00".
func SwitchID(slave uint8, coil uint8) string {
	return fmt.Sprintf("%02Xswitch%02d", slave, coil)
}
