package main

import (
	"github.com/joho/godotenv"

	"github.com/ddunford/vllmmanager/cmd/vllmmanager"
)

func main() {
	_ = godotenv.Load()
	vllmmanager.Execute()
}
