//go:build !cgo

package main

// The PMI ABI in abi.go needs cgo; without it this package only builds its
// pure-Go state so that it still compiles and its tests run.
func main() {}
