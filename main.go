package main

import (
	"github.com/tech-consulting/assetops/cmd"
	"github.com/tech-consulting/assetops/internal/log"
)

func main() {
	log.InitLogger()
	cmd.Execute()
}
