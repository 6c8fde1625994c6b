package cmd

import (
	"fmt"
)

const banner = `
  __  __      _                    ____  _  _____
 |  \/  | ___| |_ ___  ___  _ __  |  _ \| |/ /_ _|
 | |\/| |/ _ \ __/ _ \/ _ \| '__| | |_) | ' / | |
 | |  | |  __/ ||  __/ (_) | |    |  __/| . \ | |
 |_|  |_|\___|\__\___|\___/|_|    |_|   |_|\_\___|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
