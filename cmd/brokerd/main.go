package main

import (
	"os"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
