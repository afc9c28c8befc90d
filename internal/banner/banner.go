package banner

import "fmt"

const Version = "1.0.0"

func Print() {
	banner := `
    ___    __          __  ________
   /   |  / /__  _____/ /_/ ____/ /___ _      __
  / /| | / / _ \/ ___/ __/ /_  / / __ \ | /| / /
 / ___ |/ /  __/ /  / /_/ __/ / / /_/ / |/ |/ /
/_/  |_/_/\___/_/   \__/_/   /_/\____/|__/|__/
            v%s - Alert Correlation Engine
    `
	fmt.Printf(banner, Version)
	fmt.Println("\n------------------------------------------------")
}
