//go:build !no_psi

package main

import "pkt.systems/psi"

// main runs under psi so stackd can be the init process of a container:
// it reaps orphans and forwards signals before submain sees them.
func main() {
	psi.Run(submain)
}
