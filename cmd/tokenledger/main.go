// Package main is the entry point for tokenledger.
package main

func main() {
	Execute()
}
