// Package main is the terminal client for the inbox API.
package main

func main() {
	Execute()
}
