package main

import (
	"metrobot-backend/cmd/metrobot/commands"
	"metrobot-backend/lib/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
