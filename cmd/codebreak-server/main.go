// Package main: точка входа codebreak (HTTP + WebSocket игровой хаб).
package main

import (
	"log"

	"github.com/Leighthann/codebreak/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
