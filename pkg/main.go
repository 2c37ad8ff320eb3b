package main

import (
	"log"
)

func main() {
	server, err := Setup()
	if err != nil {
		log.Fatalf("main start failed %v", err)
		return
	}

	if err := server.Run(); err != nil {
		log.Fatalf("main run failed %v", err)
	}
}
